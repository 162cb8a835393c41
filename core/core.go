// Package core is the host-facing coordinator of a pod member.
//
// The host feeds events in (requests, peer joins and departures, frames, fetched
// chunks, timer ticks) and executes the returned actions. Core never performs I/O
// and never starts goroutines. All methods are safe for concurrent use; a single
// mutex guards the session and transfer arenas so every nonce counter advances
// exactly once per frame.
package core

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"peapod/chunk"
	"peapod/crypto"
	"peapod/discovery"
	"peapod/heartbeat"
	"peapod/integrity"
	"peapod/scheduler"
	"peapod/wire"
)

var (
	// ErrUnknownPeer indicates an event for a device without a session.
	ErrUnknownPeer = errors.New("core: unknown peer")
	// ErrUnknownTransfer indicates a transfer id this device never planned or forgot.
	ErrUnknownTransfer = errors.New("core: unknown transfer")
	// ErrTransferAbandoned indicates a late event for an abandoned transfer.
	ErrTransferAbandoned = errors.New("core: transfer abandoned")
	// ErrNonceExhausted indicates a session that cannot send or receive any more frames.
	ErrNonceExhausted = errors.New("core: nonce counter exhausted")
	// ErrSenderMismatch indicates a message naming a device other than the session peer.
	ErrSenderMismatch = errors.New("core: message sender does not match session")
	// ErrNotAssignee indicates chunk data from a device that does not hold the chunk.
	ErrNotAssignee = errors.New("core: chunk is not assigned to sender")
	// ErrInvalidRange indicates an empty, inverted or oversized chunk range.
	ErrInvalidRange = errors.New("core: invalid chunk range")
)

// TransferState is the lifecycle of an accelerated transfer.
type TransferState int

const (
	StatePlanning TransferState = iota
	StateInProgress
	StateComplete
	StateAbandoned
)

func (s TransferState) String() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateInProgress:
		return "in_progress"
	case StateComplete:
		return "complete"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("TransferState(%d)", int(s))
	}
}

type activeTransfer struct {
	*chunk.Transfer
	url    string
	offset uint64
	state  TransferState
}

// Core coordinates one device's participation in the pod.
type Core struct {
	mu sync.Mutex

	opts    Options
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics

	keypair *crypto.Keypair
	self    crypto.DeviceID
	tick    uint64

	sessions    map[crypto.DeviceID]*peerSession
	generations map[crypto.DeviceID]uint64
	monitor     *heartbeat.Monitor
	trust       *integrity.TrustTracker
	roster      *discovery.Roster
	peerMetrics map[crypto.DeviceID]scheduler.PeerMetrics

	transfers map[wire.TransferID]*activeTransfer
	finished  *lru.Cache[wire.TransferID, TransferState]
}

// New creates a Core. A keypair is generated when Options.Keypair is nil; failing
// to do so is fatal for the caller.
func New(options Options) (*Core, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid core options: %w", err)
	}

	kp := opts.Keypair
	if kp == nil {
		generated, err := crypto.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("generate keypair: %w", err)
		}
		kp = generated
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	finished, err := lru.New[wire.TransferID, TransferState](opts.CompletedMemory)
	if err != nil {
		return nil, fmt.Errorf("create transfer memory: %w", err)
	}

	self := kp.DeviceID()
	c := &Core{
		opts:        opts,
		log:         opts.Logger.With(zap.String("device", self.Short())),
		clock:       opts.Clock,
		metrics:     m,
		keypair:     kp,
		self:        self,
		sessions:    make(map[crypto.DeviceID]*peerSession),
		generations: make(map[crypto.DeviceID]uint64),
		monitor:     heartbeat.NewMonitor(opts.SuspectAfterTicks, opts.TimeoutTicks),
		trust:       integrity.NewTrustTracker(opts.MaxIntegrityFailures),
		roster:      discovery.NewRoster(discovery.Config{SelfDeviceID: self, ExpiryTicks: opts.DiscoveryExpiryTicks}),
		peerMetrics: make(map[crypto.DeviceID]scheduler.PeerMetrics),
		transfers:   make(map[wire.TransferID]*activeTransfer),
		finished:    finished,
	}
	c.log.Debug("core created", zap.Uint64("chunk_size", opts.ChunkSize), zap.Bool("self_fetch", opts.selfFetchEnabled()))
	return c, nil
}

// DeviceID returns the local device id.
func (c *Core) DeviceID() crypto.DeviceID {
	return c.self
}

// PublicKey returns the local public key.
func (c *Core) PublicKey() crypto.PublicKey {
	return c.keypair.PublicKey()
}

// HandshakeBytes returns the 49-byte preamble the host writes on every new connection.
func (c *Core) HandshakeBytes() []byte {
	raw := wire.NewHandshake(c.keypair.PublicKey()).Bytes()
	return raw[:]
}

// BeaconFrame returns an unencrypted Beacon frame for LAN broadcast.
func (c *Core) BeaconFrame() ([]byte, error) {
	return wire.EncodeFrame(wire.Beacon{
		Version:    wire.ProtocolVersion,
		DeviceID:   c.self,
		PublicKey:  c.keypair.PublicKey(),
		ListenPort: c.opts.ListenPort,
	})
}

// DiscoveryResponseFrame returns an unencrypted DiscoveryResponse frame.
func (c *Core) DiscoveryResponseFrame() ([]byte, error) {
	return wire.EncodeFrame(wire.DiscoveryResponse{
		Version:    wire.ProtocolVersion,
		DeviceID:   c.self,
		PublicKey:  c.keypair.PublicKey(),
		ListenPort: c.opts.ListenPort,
	})
}

// DiscoveryResult is what OnDiscoveryFrame produced. Reply, when set, is a
// DiscoveryResponse frame to send back to the beacon's origin.
type DiscoveryResult struct {
	Event *discovery.Event
	Reply []byte
}

// OnDiscoveryFrame processes one unencrypted discovery datagram. Valid candidates
// are recorded as Joining until the host completes a handshake and calls OnPeerJoined.
func (c *Core) OnDiscoveryFrame(frame []byte) (DiscoveryResult, error) {
	message, n, err := wire.DecodeFrame(frame)
	if err != nil {
		c.log.Debug("dropping discovery frame", zap.Error(err))
		return DiscoveryResult{}, err
	}
	if n != len(frame) {
		err := &wire.DecodeError{Kind: wire.KindMalformed, Detail: fmt.Sprintf("%d bytes after discovery frame", len(frame)-n)}
		c.log.Debug("dropping discovery frame", zap.Error(err))
		return DiscoveryResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var result DiscoveryResult
	event, ok := c.roster.Observe(message, c.tick)
	if ok {
		c.log.Debug("discovery candidate updated", zap.Stringer("peer", event.Peer.DeviceID), zap.Uint16("port", event.Peer.ListenPort))
		result.Event = &event
	}

	if beacon, isBeacon := message.(wire.Beacon); isBeacon {
		if candidate, known := c.roster.Get(beacon.DeviceID); known && candidate.PublicKey == beacon.PublicKey {
			reply, err := c.DiscoveryResponseFrame()
			if err != nil {
				return result, err
			}
			result.Reply = reply
		}
	}
	return result, nil
}

// Candidates returns devices seen by discovery that have not joined yet.
func (c *Core) Candidates() []discovery.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.List()
}

// Peers returns every known device: session members and Joining candidates,
// ordered by device id.
func (c *Core) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PeerInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, PeerInfo{
			DeviceID:     s.id,
			PublicKey:    s.publicKey,
			State:        s.state,
			Generation:   s.generation,
			Isolated:     c.trust.IsIsolated(s.id),
			LastSeenTick: s.lastSeenTick,
			LastSeen:     s.lastSeen,
		})
	}
	for _, candidate := range c.roster.List() {
		if _, member := c.sessions[candidate.DeviceID]; member {
			continue
		}
		out = append(out, PeerInfo{
			DeviceID:     candidate.DeviceID,
			PublicKey:    candidate.PublicKey,
			State:        PeerJoining,
			LastSeenTick: candidate.LastSeen,
			ListenPort:   candidate.ListenPort,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].DeviceID[:], out[j].DeviceID[:]) < 0
	})
	return out
}

// SetPeerMetrics records link measurements used for weighted assignment. The local
// device id is accepted too.
func (c *Core) SetPeerMetrics(id crypto.DeviceID, m scheduler.PeerMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerMetrics[id] = m
}

// Assignment returns a snapshot of an active transfer's chunks.
func (c *Core) Assignment(id wire.TransferID) ([]chunk.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[id]
	if !ok {
		return nil, false
	}
	return t.Chunks(), true
}

// TransferState reports the state of an active or recently finished transfer.
func (c *Core) TransferState(id wire.TransferID) (TransferState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transfers[id]; ok {
		return t.state, true
	}
	return c.finished.Get(id)
}

// Abandon drops an active transfer on the host's request. Late chunks for it are
// answered with ErrTransferAbandoned.
func (c *Core) Abandon(id wire.TransferID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[id]
	if !ok {
		return false
	}
	c.finish(t, StateAbandoned, "abandoned by host")
	return true
}

// workers lists who may fetch chunks right now.
func (c *Core) workers() []crypto.DeviceID {
	peers := make([]crypto.DeviceID, 0, len(c.sessions))
	for id := range c.sessions {
		peers = append(peers, id)
	}
	return scheduler.Workers(c.self, c.opts.selfFetchEnabled(), peers, c.trust)
}

func (c *Core) sortedTransfers() []*activeTransfer {
	out := make([]*activeTransfer, 0, len(c.transfers))
	for _, t := range c.transfers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID(), out[j].ID()
		return bytes.Compare(a[:], b[:]) < 0
	})
	return out
}

func (c *Core) sortedSessions() []*peerSession {
	out := make([]*peerSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].id.Compare(out[j].id) < 0
	})
	return out
}

func (c *Core) finish(t *activeTransfer, state TransferState, reason string) {
	t.state = state
	delete(c.transfers, t.ID())
	c.finished.Add(t.ID(), state)
	c.metrics.transfers.WithLabelValues(state.String()).Inc()
	c.metrics.activeTransfer.Set(float64(len(c.transfers)))

	received, total := t.Progress()
	c.log.Info("transfer finished",
		zap.Stringer("transfer", t.ID()),
		zap.Stringer("state", state),
		zap.String("reason", reason),
		zap.Int("received_chunks", received),
		zap.Int("total_chunks", total),
	)
}

func (c *Core) lookupTransfer(id wire.TransferID) (*activeTransfer, error) {
	if t, ok := c.transfers[id]; ok {
		return t, nil
	}
	if state, ok := c.finished.Get(id); ok {
		if state == StateComplete {
			return nil, fmt.Errorf("%w: %s", chunk.ErrAlreadyComplete, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrTransferAbandoned, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
}
