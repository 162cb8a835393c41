package chunk

import (
	"fmt"

	"peapod/crypto"
	"peapod/integrity"
	"peapod/wire"
)

type chunkState struct {
	Chunk
	data []byte
}

// Transfer tracks the chunks of one accelerated request. It is not safe for
// concurrent use.
type Transfer struct {
	id       wire.TransferID
	total    uint64
	chunks   []*chunkState
	index    map[Range]int
	received int
}

// NewTransfer plans total bytes in chunkSize pieces, all Unassigned.
func NewTransfer(id wire.TransferID, total, chunkSize uint64) *Transfer {
	ranges := Plan(total, chunkSize)
	t := &Transfer{
		id:     id,
		total:  total,
		chunks: make([]*chunkState, len(ranges)),
		index:  make(map[Range]int, len(ranges)),
	}
	for i, r := range ranges {
		t.chunks[i] = &chunkState{Chunk: Chunk{Range: r}}
		t.index[r] = i
	}
	return t
}

// ID returns the transfer identifier.
func (t *Transfer) ID() wire.TransferID {
	return t.id
}

// TotalLength returns the number of body bytes.
func (t *Transfer) TotalLength() uint64 {
	return t.total
}

// Plan returns the planned ranges in order.
func (t *Transfer) Plan() []Range {
	out := make([]Range, len(t.chunks))
	for i, c := range t.chunks {
		out[i] = c.Range
	}
	return out
}

// Chunks returns a snapshot of every chunk in order.
func (t *Transfer) Chunks() []Chunk {
	out := make([]Chunk, len(t.chunks))
	for i, c := range t.chunks {
		out[i] = c.Chunk
	}
	return out
}

// Chunk returns a snapshot of the chunk covering exactly [start, end).
func (t *Transfer) Chunk(start, end uint64) (Chunk, bool) {
	c, err := t.lookup(Range{Start: start, End: end})
	if err != nil {
		return Chunk{}, false
	}
	return c.Chunk, true
}

func (t *Transfer) lookup(r Range) (*chunkState, error) {
	i, ok := t.index[r]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChunk, r)
	}
	return t.chunks[i], nil
}

// Assign marks the range InFlight to peer. Reassigning an InFlight chunk moves it.
func (t *Transfer) Assign(r Range, peer crypto.DeviceID) error {
	c, err := t.lookup(r)
	if err != nil {
		return err
	}
	if c.State == StateReceived {
		return fmt.Errorf("%w: %s", ErrChunkReceived, r)
	}
	c.State = StateInFlight
	c.Assignee = peer
	c.Attempts++
	return nil
}

// Unassign returns an InFlight chunk to Unassigned. Received chunks are left alone.
func (t *Transfer) Unassign(r Range) error {
	c, err := t.lookup(r)
	if err != nil {
		return err
	}
	if c.State == StateInFlight {
		c.State = StateUnassigned
		c.Assignee = crypto.DeviceID{}
	}
	return nil
}

// MarkFailed moves an unfinished chunk to Failed and reports who held it.
func (t *Transfer) MarkFailed(r Range) (crypto.DeviceID, error) {
	c, err := t.lookup(r)
	if err != nil {
		return crypto.DeviceID{}, err
	}
	holder := c.Assignee
	if c.State != StateReceived {
		t.reject(c)
	}
	return holder, nil
}

// AssignedTo lists the InFlight ranges held by peer.
func (t *Transfer) AssignedTo(peer crypto.DeviceID) []Range {
	var out []Range
	for _, c := range t.chunks {
		if c.State == StateInFlight && c.Assignee == peer {
			out = append(out, c.Range)
		}
	}
	return out
}

// Unassigned lists ranges that need a worker: Unassigned and Failed chunks.
func (t *Transfer) Unassigned() []Range {
	var out []Range
	for _, c := range t.chunks {
		if c.State == StateUnassigned || c.State == StateFailed {
			out = append(out, c.Range)
		}
	}
	return out
}

// IsComplete reports whether every chunk has been received and verified.
func (t *Transfer) IsComplete() bool {
	return t.received == len(t.chunks)
}

// Progress returns the received and total chunk counts.
func (t *Transfer) Progress() (received, total int) {
	return t.received, len(t.chunks)
}

// Receive verifies payload against hash and the planned length. On success the
// chunk becomes Received and, once every chunk is in, the reassembled body is
// returned. On failure the chunk is left Failed, with no assignee, and an
// *IntegrityError is returned. Receiving an already Received chunk changes nothing
// and returns the same completion result as before.
func (t *Transfer) Receive(start, end uint64, payload []byte, hash integrity.Digest) ([]byte, error) {
	r := Range{Start: start, End: end}
	c, err := t.lookup(r)
	if err != nil {
		return nil, err
	}

	if c.State == StateReceived {
		return t.completion(), nil
	}

	if uint64(len(payload)) != r.Len() {
		t.reject(c)
		return nil, &IntegrityError{Range: r, Reason: fmt.Sprintf("payload is %d bytes, want %d", len(payload), r.Len())}
	}
	if !integrity.VerifyPayload(payload, hash) {
		t.reject(c)
		return nil, &IntegrityError{Range: r, Reason: "hash mismatch"}
	}

	c.State = StateReceived
	c.Hash = hash
	c.data = append([]byte(nil), payload...)
	t.received++
	return t.completion(), nil
}

func (t *Transfer) reject(c *chunkState) {
	c.State = StateFailed
	c.Assignee = crypto.DeviceID{}
}

func (t *Transfer) completion() []byte {
	if !t.IsComplete() {
		return nil
	}
	return t.reassemble()
}

// reassemble concatenates chunks in offset order. A gap or overlap means the plan
// itself is broken, which is not recoverable.
func (t *Transfer) reassemble() []byte {
	body := make([]byte, 0, t.total)
	var next uint64
	for _, c := range t.chunks {
		if c.Start != next || c.State != StateReceived {
			panic(fmt.Sprintf("chunk: reassembly of %s found %s %s at offset %d", t.id, c.State, c.Range, next))
		}
		body = append(body, c.data...)
		next = c.End
	}
	if next != t.total {
		panic(fmt.Sprintf("chunk: reassembly of %s covers %d of %d bytes", t.id, next, t.total))
	}
	return body
}
