package wire

import (
	"peapod/crypto"
)

// HandshakeSize is the fixed length of the unencrypted connection preamble.
const HandshakeSize = 1 + crypto.DeviceIDSize + crypto.PublicKeySize

// Handshake is exchanged by both sides of a new transport connection before any frame.
type Handshake struct {
	Version   uint8
	DeviceID  crypto.DeviceID
	PublicKey crypto.PublicKey
}

// NewHandshake builds the local handshake for the current protocol version.
func NewHandshake(public crypto.PublicKey) Handshake {
	return Handshake{
		Version:   ProtocolVersion,
		DeviceID:  crypto.DeviceIDFromPublicKey(public),
		PublicKey: public,
	}
}

// Bytes returns the 49-byte wire form: version, device id, public key.
func (h Handshake) Bytes() [HandshakeSize]byte {
	var out [HandshakeSize]byte
	out[0] = h.Version
	copy(out[1:], h.DeviceID[:])
	copy(out[1+crypto.DeviceIDSize:], h.PublicKey[:])
	return out
}

// ParseHandshake reads the first HandshakeSize bytes of buf. Bytes after the
// handshake are left for the caller. The version is checked first, and a device id
// that is not derived from the presented key is rejected as malformed.
func ParseHandshake(buf []byte) (Handshake, error) {
	if len(buf) < HandshakeSize {
		return Handshake{}, decodeErrorf(KindIncomplete, "have %d of %d handshake bytes", len(buf), HandshakeSize)
	}
	if buf[0] != ProtocolVersion {
		return Handshake{}, decodeErrorf(KindUnsupportedVersion, "got %d want %d", buf[0], ProtocolVersion)
	}

	var h Handshake
	h.Version = buf[0]
	copy(h.DeviceID[:], buf[1:1+crypto.DeviceIDSize])
	copy(h.PublicKey[:], buf[1+crypto.DeviceIDSize:HandshakeSize])
	if crypto.DeviceIDFromPublicKey(h.PublicKey) != h.DeviceID {
		return Handshake{}, decodeErrorf(KindMalformed, "device id %s does not match public key", h.DeviceID)
	}
	return h, nil
}
