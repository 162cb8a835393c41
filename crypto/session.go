package crypto

import (
	"fmt"
	"runtime"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/curve25519"
)

// SessionKeySize is the length of a derived pairwise session key.
const SessionKeySize = 32

const sessionKeyLabel = "peapod-session-v1"

// SessionKey is the symmetric key shared by one pair of devices.
type SessionKey [SessionKeySize]byte

// DeriveSessionKey runs X25519 against the peer public key and hashes the shared
// secret into a session key. Both sides derive the same key from swapped inputs.
func DeriveSessionKey(local *Keypair, peerPublic []byte) (SessionKey, error) {
	var key SessionKey
	peer, err := ParsePublicKey(peerPublic)
	if err != nil {
		return key, err
	}

	shared, err := curve25519.X25519(local.private[:], peer[:])
	if err != nil {
		// low-order points produce an all-zero secret
		return key, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	defer wipe(shared)

	h := sha256.New()
	h.Write([]byte(sessionKeyLabel))
	h.Write(shared)
	copy(key[:], h.Sum(nil))
	return key, nil
}

// wipe zeroes sensitive material. Best effort only.
//
//go:noinline
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
