package crypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the ChaCha20-Poly1305 nonce length.
	NonceSize = chacha20poly1305.NonceSize
	// Overhead is the number of tag bytes appended to every ciphertext.
	Overhead = chacha20poly1305.Overhead
)

// Direction separates the two nonce spaces of one session key.
type Direction uint32

const (
	// DirectionLow is used by the side whose device id sorts first.
	DirectionLow Direction = 0
	// DirectionHigh is used by the side whose device id sorts last.
	DirectionHigh Direction = 1
)

// DirectionFor returns the nonce prefix used when sender sends to receiver.
func DirectionFor(sender, receiver DeviceID) Direction {
	if sender.Compare(receiver) < 0 {
		return DirectionLow
	}
	return DirectionHigh
}

// Nonce is a 96-bit AEAD nonce: 4 bytes of direction followed by a little-endian counter.
type Nonce [NonceSize]byte

// NewNonce builds the nonce for one counter value. Callers own the counter and must never
// pass the same (key, direction, counter) twice.
func NewNonce(direction Direction, counter uint64) Nonce {
	var n Nonce
	binary.LittleEndian.PutUint32(n[:4], uint32(direction))
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

// Encrypt seals plaintext with ChaCha20-Poly1305. The result is ciphertext followed by the tag.
func Encrypt(key SessionKey, nonce Nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. On a tag mismatch it returns
// ErrAuthFailed and no plaintext.
func Decrypt(key SessionKey, nonce Nonce, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrAuthFailed
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
