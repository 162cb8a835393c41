package core

import (
	"fmt"

	"go.uber.org/zap"

	"peapod/chunk"
	"peapod/crypto"
	"peapod/scheduler"
	"peapod/wire"
)

// OnPeerJoined opens a fresh session for a device that completed the handshake.
// The public key must be 32 bytes and hash to id, otherwise crypto.ErrInvalidPeerKey
// is returned. A device that already had a session is treated as having left first,
// so any chunks it held are redistributed by the returned actions.
func (c *Core) OnPeerJoined(id crypto.DeviceID, publicKey []byte) ([]Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == c.self {
		return nil, fmt.Errorf("%w: peer id is the local device", crypto.ErrInvalidPeerKey)
	}
	public, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	if crypto.DeviceIDFromPublicKey(public) != id {
		return nil, fmt.Errorf("%w: device id %s does not match public key", crypto.ErrInvalidPeerKey, id.Short())
	}
	key, err := crypto.DeriveSessionKey(c.keypair, publicKey)
	if err != nil {
		return nil, err
	}

	var actions []Action
	if _, exists := c.sessions[id]; exists {
		actions = c.peerLost(id, "replaced by a new session")
	}

	c.generations[id]++
	s := newPeerSession(c.self, id, public, key)
	s.generation = c.generations[id]
	s.touch(c.tick, c.clock.Now())
	c.sessions[id] = s
	c.monitor.Track(id, c.tick)
	c.trust.Clear(id)
	c.roster.Remove(id)

	c.metrics.peerEvents.WithLabelValues("joined").Inc()
	c.metrics.peers.Set(float64(len(c.sessions)))
	c.log.Info("peer joined", zap.Stringer("peer", id), zap.Uint64("generation", s.generation))
	return actions, nil
}

// OnPeerLeft ends the peer's session and redistributes its unfinished chunks. The
// returned actions carry the new chunk requests and self fetches.
func (c *Core) OnPeerLeft(id crypto.DeviceID) []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; !ok {
		return nil
	}
	return c.peerLost(id, "left")
}

func (c *Core) peerLost(id crypto.DeviceID, reason string) []Action {
	if s, ok := c.sessions[id]; ok {
		s.state = PeerLeft
	}
	delete(c.sessions, id)
	c.monitor.Forget(id)

	c.metrics.peerEvents.WithLabelValues("left").Inc()
	c.metrics.peers.Set(float64(len(c.sessions)))
	c.log.Info("peer left", zap.Stringer("peer", id), zap.String("reason", reason))

	return c.redistributeFrom(id)
}

// OnMessageReceived handles one encrypted frame from a session peer. Malformed or
// unauthenticated input is returned as an error and leaves every other peer and
// transfer untouched. For ChunkData that fails verification the error is a
// *chunk.IntegrityError and Result still carries the reassignment actions.
func (c *Core) OnMessageReceived(peer crypto.DeviceID, frame []byte) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[peer]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peer.Short())
	}

	ciphertext, n, err := wire.SplitFrame(frame)
	if err == nil && n != len(frame) {
		err = &wire.DecodeError{Kind: wire.KindMalformed, Detail: fmt.Sprintf("%d bytes after frame", len(frame)-n)}
	}
	if err != nil {
		return Result{}, c.dropped(peer, "malformed", err)
	}

	plaintext, err := s.open(ciphertext)
	if err != nil {
		return Result{}, c.dropped(peer, "auth_failed", err)
	}
	s.touch(c.tick, c.clock.Now())
	c.monitor.Seen(peer, c.tick)

	message, err := wire.Decode(plaintext)
	if err != nil {
		return Result{}, c.dropped(peer, "malformed", err)
	}
	c.metrics.framesIn.WithLabelValues("ok").Inc()

	return c.dispatchMessage(s, message)
}

func (c *Core) dropped(peer crypto.DeviceID, result string, err error) error {
	c.metrics.framesIn.WithLabelValues(result).Inc()
	c.log.Debug("dropping frame", zap.Stringer("peer", peer), zap.String("result", result), zap.Error(err))
	return err
}

func (c *Core) dispatchMessage(s *peerSession, message wire.Message) (Result, error) {
	peer := s.id
	switch m := message.(type) {
	case wire.Heartbeat:
		return Result{}, c.checkSender(peer, m.DeviceID)

	case wire.Join:
		// Isolation is only lifted by OnPeerJoined, which starts a new session.
		return Result{}, c.checkSender(peer, m.DeviceID)

	case wire.Leave:
		if err := c.checkSender(peer, m.DeviceID); err != nil {
			return Result{}, err
		}
		return Result{Actions: c.peerLost(peer, "leave message")}, nil

	case wire.ChunkRequest:
		if m.End <= m.Start || m.End-m.Start > MaxChunkSize {
			return Result{}, fmt.Errorf("%w: [%d,%d)", ErrInvalidRange, m.Start, m.End)
		}
		return Result{Actions: []Action{ServeChunk{Peer: peer, TransferID: m.TransferID, Start: m.Start, End: m.End}}}, nil

	case wire.ChunkData:
		body, actions, err := c.receiveChunk(peer, m.TransferID, m.Start, m.End, m.Hash, m.Payload)
		result := Result{Actions: actions}
		if body != nil {
			result.Completed = &Completion{TransferID: m.TransferID, Body: body}
		}
		return result, err

	case wire.Nack:
		return Result{Actions: c.handleNack(peer, m)}, nil

	default:
		// Discovery variants are only meaningful on the unencrypted discovery path.
		c.log.Debug("ignoring message on session", zap.Stringer("peer", peer), zap.Stringer("type", message.Type()))
		return Result{}, nil
	}
}

func (c *Core) checkSender(peer, claimed crypto.DeviceID) error {
	if peer != claimed {
		return fmt.Errorf("%w: session %s, message %s", ErrSenderMismatch, peer.Short(), claimed.Short())
	}
	return nil
}

// handleNack reassigns a range the peer refused. Nacks for ranges the peer does not
// hold are ignored.
func (c *Core) handleNack(peer crypto.DeviceID, m wire.Nack) []Action {
	t, ok := c.transfers[m.TransferID]
	if !ok {
		return nil
	}
	held, ok := t.Chunk(m.Start, m.End)
	if !ok || held.State != chunk.StateInFlight || held.Assignee != peer {
		return nil
	}
	if _, err := t.MarkFailed(held.Range); err != nil {
		return nil
	}

	c.log.Debug("peer refused chunk", zap.Stringer("peer", peer), zap.Stringer("transfer", m.TransferID), zap.Stringer("range", held.Range))
	moved := scheduler.Reassign(t.Transfer, []chunk.Range{held.Range}, c.workers(), peer, c.peerMetrics)
	c.metrics.redistributed.Add(float64(len(moved)))
	actions := c.dispatch(t, moved)
	return append(actions, c.settle(t)...)
}

// Tick advances protocol time by one host interval. It sends heartbeats to every
// session, marks quiet peers Suspect, removes silent ones through the same path as
// OnPeerLeft and abandons transfers nobody can finish.
func (c *Core) Tick() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	for _, event := range c.roster.Expire(c.tick) {
		c.log.Debug("discovery candidate expired", zap.Stringer("peer", event.Peer.DeviceID))
	}

	var actions []Action
	suspected, expired := c.monitor.Advance(c.tick)
	for _, id := range suspected {
		if s, ok := c.sessions[id]; ok {
			s.state = PeerSuspect
			c.metrics.peerEvents.WithLabelValues("suspect").Inc()
			c.log.Info("peer suspected", zap.Stringer("peer", id), zap.Uint64("last_seen_tick", s.lastSeenTick))
		}
	}
	for _, id := range expired {
		c.metrics.peerEvents.WithLabelValues("timeout").Inc()
		actions = append(actions, c.peerLost(id, "heartbeat timeout")...)
	}

	for _, s := range c.sortedSessions() {
		frame, err := s.seal(wire.Heartbeat{DeviceID: c.self})
		if err != nil {
			c.log.Warn("cannot send heartbeat", zap.Stringer("peer", s.id), zap.Error(err))
			continue
		}
		c.metrics.framesOut.Inc()
		actions = append(actions, SendMessage{Peer: s.id, Frame: frame})
	}

	for _, t := range c.sortedTransfers() {
		actions = append(actions, c.settle(t)...)
	}
	return actions
}
