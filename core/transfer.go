package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peapod/chunk"
	"peapod/crypto"
	"peapod/integrity"
	"peapod/scheduler"
	"peapod/wire"
)

// OnIncomingRequest decides whether a request is accelerated. Fallback is a normal
// outcome: the host then executes the request without the pod.
func (c *Core) OnIncomingRequest(req Request) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case req.Ineligible:
		return c.fallback(req, FallbackIneligible)
	case req.Length == 0:
		return c.fallback(req, FallbackUnknownLength)
	}

	workers := c.workers()
	peers := 0
	for _, w := range workers {
		if w != c.self {
			peers++
		}
	}
	if peers == 0 {
		return c.fallback(req, FallbackNoPeers)
	}

	id := wire.TransferID(uuid.New())
	t := &activeTransfer{
		Transfer: chunk.NewTransfer(id, req.Length, c.opts.ChunkSize),
		url:      req.URL,
		offset:   req.Offset,
		state:    StatePlanning,
	}
	c.transfers[id] = t

	actions := c.dispatch(t, scheduler.Assign(t.Transfer, workers, c.peerMetrics))
	actions = append(actions, c.settle(t)...)
	if t.state == StatePlanning {
		t.state = StateInProgress
	}

	c.metrics.decisions.WithLabelValues("accelerate").Inc()
	c.metrics.activeTransfer.Set(float64(len(c.transfers)))
	_, chunks := t.Progress()
	c.log.Info("accelerating request",
		zap.Stringer("transfer", id),
		zap.Uint64("length", req.Length),
		zap.Int("chunks", chunks),
		zap.Int("workers", len(workers)),
	)

	return Accelerate{
		TransferID:  id,
		URL:         req.URL,
		Offset:      req.Offset,
		TotalLength: req.Length,
		Plan:        t.Plan(),
		Actions:     actions,
	}
}

func (c *Core) fallback(req Request, reason FallbackReason) Decision {
	c.metrics.decisions.WithLabelValues(string(reason)).Inc()
	c.log.Debug("request falls back", zap.String("url", req.URL), zap.String("reason", string(reason)))
	return Fallback{Reason: reason}
}

// OnChunkReceived feeds a chunk the local device fetched itself. The reassembled body
// is returned exactly once, by the call that completes the transfer; later calls
// for that transfer return chunk.ErrAlreadyComplete. A chunk that is no longer the
// local device's to fetch returns ErrNotAssignee. Actions are returned when an
// integrity failure caused reassignment.
func (c *Core) OnChunkReceived(id wire.TransferID, start, end uint64, hash integrity.Digest, payload []byte) ([]byte, []Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveChunk(c.self, id, start, end, hash, payload)
}

func (c *Core) receiveChunk(from crypto.DeviceID, id wire.TransferID, start, end uint64, hash integrity.Digest, payload []byte) ([]byte, []Action, error) {
	t, err := c.lookupTransfer(id)
	if err != nil {
		return nil, nil, err
	}

	// Only the current holder may settle an unfinished chunk. Unknown ranges fall
	// through to Receive, and Received chunks stay idempotent.
	if held, ok := t.Chunk(start, end); ok && held.State != chunk.StateReceived &&
		(held.State != chunk.StateInFlight || held.Assignee != from) {
		c.metrics.chunks.WithLabelValues("not_assignee").Inc()
		c.log.Debug("ignoring chunk from non-holder",
			zap.Stringer("peer", from),
			zap.Stringer("transfer", id),
			zap.Stringer("range", held.Range),
			zap.Stringer("state", held.State),
		)
		return nil, nil, fmt.Errorf("%w: %s", ErrNotAssignee, held.Range)
	}

	body, err := t.Receive(start, end, payload, hash)
	if err != nil {
		var integrityErr *chunk.IntegrityError
		if !errors.As(err, &integrityErr) {
			return nil, nil, err
		}
		c.metrics.chunks.WithLabelValues("integrity_failure").Inc()
		c.log.Warn("chunk failed verification",
			zap.Stringer("peer", from),
			zap.Stringer("transfer", id),
			zap.Stringer("range", integrityErr.Range),
			zap.Error(err),
		)
		return nil, c.recoverFailedChunk(t, from, integrityErr.Range), err
	}

	c.metrics.chunks.WithLabelValues("ok").Inc()
	if from != c.self {
		c.trust.RecordSuccess(from)
	}
	if body == nil {
		return nil, nil, nil
	}
	c.finish(t, StateComplete, "all chunks verified")
	return body, nil, nil
}

// recoverFailedChunk reassigns a rejected range away from the sender and isolates
// the sender once it failed too often in a row.
func (c *Core) recoverFailedChunk(t *activeTransfer, from crypto.DeviceID, r chunk.Range) []Action {
	exclude := crypto.DeviceID{}
	if from != c.self {
		exclude = from
	}
	moved := scheduler.Reassign(t.Transfer, []chunk.Range{r}, c.workers(), exclude, c.peerMetrics)
	c.metrics.redistributed.Add(float64(len(moved)))
	actions := c.dispatch(t, moved)
	actions = append(actions, c.settle(t)...)

	if from == c.self {
		return actions
	}
	if c.trust.RecordFailure(from) && c.trust.Failures(from) == c.opts.MaxIntegrityFailures {
		c.metrics.peerEvents.WithLabelValues("isolated").Inc()
		c.log.Warn("isolating peer after repeated integrity failures", zap.Stringer("peer", from))
		actions = append(actions, c.redistributeFrom(from)...)
	}
	return actions
}

// redistributeFrom moves every unfinished chunk held by peer to the current workers.
func (c *Core) redistributeFrom(peer crypto.DeviceID) []Action {
	var actions []Action
	for _, t := range c.sortedTransfers() {
		moved := scheduler.Redistribute(t.Transfer, peer, c.workers(), c.peerMetrics)
		c.metrics.redistributed.Add(float64(len(moved)))
		actions = append(actions, c.dispatch(t, moved)...)
		actions = append(actions, c.settle(t)...)
	}
	return actions
}

// dispatch turns assignments into host actions. A peer chunk request that cannot
// be sealed leaves the chunk Unassigned for settle.
func (c *Core) dispatch(t *activeTransfer, assignments []scheduler.Assignment) []Action {
	actions := make([]Action, 0, len(assignments))
	for _, a := range assignments {
		if a.Worker == c.self {
			actions = append(actions, FetchChunk{
				TransferID: t.ID(),
				URL:        t.url,
				Offset:     t.offset,
				Start:      a.Range.Start,
				End:        a.Range.End,
			})
			continue
		}

		s, ok := c.sessions[a.Worker]
		if !ok {
			_ = t.Unassign(a.Range)
			continue
		}
		frame, err := s.seal(wire.ChunkRequest{TransferID: t.ID(), Start: a.Range.Start, End: a.Range.End})
		if err != nil {
			c.log.Warn("cannot send chunk request", zap.Stringer("peer", a.Worker), zap.Error(err))
			_ = t.Unassign(a.Range)
			continue
		}
		c.metrics.framesOut.Inc()
		actions = append(actions, SendMessage{Peer: a.Worker, Frame: frame})
	}
	return actions
}

// settle assigns whatever is still waiting for a worker. A transfer that has
// waiting chunks and nobody to fetch them is abandoned.
func (c *Core) settle(t *activeTransfer) []Action {
	if len(t.Unassigned()) == 0 {
		return nil
	}

	var actions []Action
	if workers := c.workers(); len(workers) > 0 {
		actions = c.dispatch(t, scheduler.Assign(t.Transfer, workers, c.peerMetrics))
		if len(t.Unassigned()) == 0 {
			return actions
		}
	}

	c.finish(t, StateAbandoned, "no worker left for pending chunks")
	return append(actions, TransferAbandoned{TransferID: t.ID(), Reason: "no workers"})
}

// ChunkDataFrame hashes payload, wraps it in a ChunkData message and seals it for
// peer. It answers a ServeChunk action.
func (c *Core) ChunkDataFrame(peer crypto.DeviceID, id wire.TransferID, start, end uint64, payload []byte) (SendMessage, error) {
	if end < start || end-start != uint64(len(payload)) {
		return SendMessage{}, ErrInvalidRange
	}
	return c.sealFor(peer, wire.ChunkData{
		TransferID: id,
		Start:      start,
		End:        end,
		Hash:       integrity.Hash(payload),
		Payload:    payload,
	})
}

// NackFrame seals a Nack for peer, telling it the range will not be served.
func (c *Core) NackFrame(peer crypto.DeviceID, id wire.TransferID, start, end uint64) (SendMessage, error) {
	return c.sealFor(peer, wire.Nack{TransferID: id, Start: start, End: end})
}

func (c *Core) sealFor(peer crypto.DeviceID, message wire.Message) (SendMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[peer]
	if !ok {
		return SendMessage{}, ErrUnknownPeer
	}
	frame, err := s.seal(message)
	if err != nil {
		return SendMessage{}, err
	}
	c.metrics.framesOut.Inc()
	return SendMessage{Peer: peer, Frame: frame}, nil
}
