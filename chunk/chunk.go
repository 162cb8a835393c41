// Package chunk splits a transfer into byte ranges and tracks each range from
// assignment to verified receipt and reassembly.
package chunk

import (
	"errors"
	"fmt"

	"peapod/crypto"
	"peapod/integrity"
)

// DefaultChunkSize is used when a caller passes a zero chunk size.
const DefaultChunkSize = 256 * 1024

var (
	// ErrUnknownChunk indicates a range that is not part of the transfer plan.
	ErrUnknownChunk = errors.New("chunk: unknown chunk")
	// ErrIntegrityFailure indicates a payload whose length or hash does not match.
	ErrIntegrityFailure = errors.New("chunk: integrity failure")
	// ErrAlreadyComplete indicates a transfer whose body was already handed out.
	ErrAlreadyComplete = errors.New("chunk: transfer already complete")
	// ErrChunkReceived indicates an attempt to reassign a verified chunk.
	ErrChunkReceived = errors.New("chunk: chunk already received")
)

// Range is a half-open byte range [Start, End) relative to the start of the transfer.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the range.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// IntegrityError reports which range failed verification.
type IntegrityError struct {
	Range  Range
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s %s: %s", ErrIntegrityFailure, e.Range, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrityFailure
}

// State is the lifecycle position of one chunk.
type State int

const (
	StateUnassigned State = iota
	StateInFlight
	StateReceived
	// StateFailed marks a chunk whose last payload failed verification or was
	// refused by its fetcher. It needs a new worker like an Unassigned chunk.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateInFlight:
		return "in-flight"
	case StateReceived:
		return "received"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Chunk is a snapshot of one planned range.
type Chunk struct {
	Range
	State    State
	Assignee crypto.DeviceID
	Attempts int
	Hash     integrity.Digest
}

// Plan tiles [0, total) with consecutive ranges of chunkSize bytes; the last one may
// be shorter. A zero total yields no ranges.
func Plan(total, chunkSize uint64) []Range {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if total == 0 {
		return nil
	}

	ranges := make([]Range, 0, (total+chunkSize-1)/chunkSize)
	for start := uint64(0); start < total; start += chunkSize {
		end := start + chunkSize
		if end > total || end < start {
			end = total
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}
