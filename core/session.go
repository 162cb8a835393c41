package core

import (
	"fmt"
	"math"
	"time"

	"peapod/crypto"
	"peapod/wire"
)

// PeerState is the pod membership state of a device.
type PeerState int

const (
	// PeerJoining is a device seen by discovery that has not completed a handshake.
	PeerJoining PeerState = iota
	PeerAlive
	PeerSuspect
	PeerLeft
)

func (s PeerState) String() string {
	switch s {
	case PeerJoining:
		return "joining"
	case PeerAlive:
		return "alive"
	case PeerSuspect:
		return "suspect"
	case PeerLeft:
		return "left"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

// peerSession is the per-peer record. A returning peer always gets a new one.
type peerSession struct {
	id         crypto.DeviceID
	publicKey  crypto.PublicKey
	key        crypto.SessionKey
	generation uint64
	state      PeerState

	sendDirection crypto.Direction
	recvDirection crypto.Direction
	sendCounter   uint64
	recvCounter   uint64

	lastSeenTick uint64
	lastSeen     time.Time
}

func newPeerSession(local crypto.DeviceID, id crypto.DeviceID, public crypto.PublicKey, key crypto.SessionKey) *peerSession {
	return &peerSession{
		id:            id,
		publicKey:     public,
		key:           key,
		state:         PeerAlive,
		sendDirection: crypto.DirectionFor(local, id),
		recvDirection: crypto.DirectionFor(id, local),
	}
}

// seal encodes and encrypts message with the next send nonce and frames it.
func (s *peerSession) seal(message wire.Message) ([]byte, error) {
	if s.sendCounter == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	payload, err := wire.Encode(message)
	if err != nil {
		return nil, err
	}
	if len(payload)+crypto.Overhead > wire.MaxFrameSize {
		return nil, fmt.Errorf("%w: %s of %d bytes", wire.ErrFrameTooLarge, message.Type(), len(payload))
	}
	ciphertext, err := crypto.Encrypt(s.key, crypto.NewNonce(s.sendDirection, s.sendCounter), payload)
	if err != nil {
		return nil, err
	}
	s.sendCounter++
	return wire.Frame(ciphertext)
}

// open decrypts one frame payload with the next receive nonce. The counter only
// moves when authentication succeeds.
func (s *peerSession) open(ciphertext []byte) ([]byte, error) {
	if s.recvCounter == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	plaintext, err := crypto.Decrypt(s.key, crypto.NewNonce(s.recvDirection, s.recvCounter), ciphertext)
	if err != nil {
		return nil, err
	}
	s.recvCounter++
	return plaintext, nil
}

func (s *peerSession) touch(tick uint64, now time.Time) {
	s.lastSeenTick = tick
	s.lastSeen = now
}

// PeerInfo is a snapshot of one known device.
type PeerInfo struct {
	DeviceID     crypto.DeviceID
	PublicKey    crypto.PublicKey
	State        PeerState
	Generation   uint64
	Isolated     bool
	LastSeenTick uint64
	LastSeen     time.Time
	ListenPort   uint16
}
