package wire

import (
	"encoding/hex"
	"fmt"

	"peapod/crypto"
)

// ProtocolVersion is the current protocol major version carried by beacons and handshakes.
const ProtocolVersion uint8 = 1

// HashSize is the length of a chunk digest.
const HashSize = 32

// TransferIDSize is the length of a transfer identifier.
const TransferIDSize = 16

// TransferID identifies one accelerated request.
type TransferID [TransferIDSize]byte

// String returns the lowercase hex encoding of the identifier.
func (id TransferID) String() string {
	return hex.EncodeToString(id[:])
}

// MessageType is the variant tag written at the start of every payload.
type MessageType uint32

const (
	TypeBeacon MessageType = iota
	TypeDiscoveryResponse
	TypeJoin
	TypeLeave
	TypeHeartbeat
	TypeChunkRequest
	TypeChunkData
	TypeNack
)

var messageTypeNames = [...]string{
	TypeBeacon:            "Beacon",
	TypeDiscoveryResponse: "DiscoveryResponse",
	TypeJoin:              "Join",
	TypeLeave:             "Leave",
	TypeHeartbeat:         "Heartbeat",
	TypeChunkRequest:      "ChunkRequest",
	TypeChunkData:         "ChunkData",
	TypeNack:              "Nack",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint32(t))
}

// Message is implemented only by the variants in this package.
type Message interface {
	Type() MessageType
	isMessage()
}

// Beacon advertises presence on the LAN.
type Beacon struct {
	Version    uint8
	DeviceID   crypto.DeviceID
	PublicKey  crypto.PublicKey
	ListenPort uint16
}

// DiscoveryResponse answers a beacon and advertises the responder.
type DiscoveryResponse struct {
	Version    uint8
	DeviceID   crypto.DeviceID
	PublicKey  crypto.PublicKey
	ListenPort uint16
}

// Join requests or confirms pod membership.
type Join struct {
	DeviceID crypto.DeviceID
}

// Leave announces a graceful departure.
type Leave struct {
	DeviceID crypto.DeviceID
}

// Heartbeat proves liveness.
type Heartbeat struct {
	DeviceID crypto.DeviceID
}

// ChunkRequest asks a peer to fetch one byte range of a transfer.
type ChunkRequest struct {
	TransferID TransferID
	Start      uint64
	End        uint64
}

// ChunkData carries a fetched range and the SHA-256 of its plaintext.
type ChunkData struct {
	TransferID TransferID
	Start      uint64
	End        uint64
	Hash       [HashSize]byte
	Payload    []byte
}

// Nack reports that a range could not be served.
type Nack struct {
	TransferID TransferID
	Start      uint64
	End        uint64
}

func (Beacon) Type() MessageType            { return TypeBeacon }
func (DiscoveryResponse) Type() MessageType { return TypeDiscoveryResponse }
func (Join) Type() MessageType              { return TypeJoin }
func (Leave) Type() MessageType             { return TypeLeave }
func (Heartbeat) Type() MessageType         { return TypeHeartbeat }
func (ChunkRequest) Type() MessageType      { return TypeChunkRequest }
func (ChunkData) Type() MessageType         { return TypeChunkData }
func (Nack) Type() MessageType              { return TypeNack }

func (Beacon) isMessage()            {}
func (DiscoveryResponse) isMessage() {}
func (Join) isMessage()              {}
func (Leave) isMessage()             {}
func (Heartbeat) isMessage()         {}
func (ChunkRequest) isMessage()      {}
func (ChunkData) isMessage()         {}
func (Nack) isMessage()              {}
