package core

import (
	"peapod/chunk"
	"peapod/crypto"
	"peapod/wire"
)

// Action is something the host must do on the core's behalf. The concrete types
// are SendMessage, FetchChunk, ServeChunk and TransferAbandoned.
type Action interface {
	isAction()
}

// SendMessage asks the host to write Frame to the peer's transport connection.
type SendMessage struct {
	Peer  crypto.DeviceID
	Frame []byte
}

// FetchChunk asks the host to fetch bytes [Offset+Start, Offset+End) of URL itself
// and feed them back through OnChunkReceived with Start and End.
type FetchChunk struct {
	TransferID wire.TransferID
	URL        string
	Offset     uint64
	Start      uint64
	End        uint64
}

// ServeChunk asks the host to fetch a range a peer requested and return it with
// ChunkDataFrame, or NackFrame when it cannot.
type ServeChunk struct {
	Peer       crypto.DeviceID
	TransferID wire.TransferID
	Start      uint64
	End        uint64
}

// TransferAbandoned tells the host a transfer can no longer be accelerated and the
// request should be served without the pod.
type TransferAbandoned struct {
	TransferID wire.TransferID
	Reason     string
}

func (SendMessage) isAction()       {}
func (FetchChunk) isAction()        {}
func (ServeChunk) isAction()        {}
func (TransferAbandoned) isAction() {}

// Request is the host's description of an intercepted request.
type Request struct {
	URL string
	// Offset is where the wanted bytes start in the resource.
	Offset uint64
	// Length is the number of wanted bytes. Zero means unknown.
	Length uint64
	// Ineligible is set by the host for traffic that must not be accelerated.
	Ineligible bool
}

// Decision is the outcome of OnIncomingRequest: Fallback or Accelerate.
type Decision interface {
	isDecision()
}

// FallbackReason says why a request is served without the pod.
type FallbackReason string

const (
	FallbackIneligible    FallbackReason = "ineligible"
	FallbackUnknownLength FallbackReason = "unknown_length"
	FallbackNoPeers       FallbackReason = "no_peers"
)

// Fallback means the host should execute the request normally.
type Fallback struct {
	Reason FallbackReason
}

// Accelerate means the request was split across the pod. Actions carry the
// initial chunk requests and self fetches. Every SendMessage in Actions must be
// delivered, since each one consumed a nonce.
type Accelerate struct {
	TransferID  wire.TransferID
	URL         string
	Offset      uint64
	TotalLength uint64
	Plan        []chunk.Range
	Actions     []Action
}

func (Fallback) isDecision()   {}
func (Accelerate) isDecision() {}

// Completion carries a reassembled body. It is handed out once per transfer.
type Completion struct {
	TransferID wire.TransferID
	Body       []byte
}

// Result is what OnMessageReceived produced.
type Result struct {
	Actions   []Action
	Completed *Completion
}
