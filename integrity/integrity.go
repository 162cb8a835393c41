// Package integrity hashes chunk payloads and tracks which peers keep sending
// data that fails verification.
package integrity

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/minio/sha256-simd"

	"peapod/crypto"
)

// DigestSize is the SHA-256 output length.
const DigestSize = sha256.Size

// DefaultMaxFailures is the number of consecutive failures after which a peer is isolated.
const DefaultMaxFailures = 3

// Digest is the SHA-256 of a chunk's plaintext.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Verify reports whether two digests are identical. The comparison is constant time.
func Verify(expected, actual Digest) bool {
	return subtle.ConstantTimeCompare(expected[:], actual[:]) == 1
}

// VerifyPayload hashes payload and compares it with expected.
func VerifyPayload(payload []byte, expected Digest) bool {
	return Verify(expected, Hash(payload))
}

// TrustTracker counts consecutive integrity failures per peer. It is not safe for
// concurrent use.
type TrustTracker struct {
	maxFailures int
	failures    map[crypto.DeviceID]int
}

// NewTrustTracker returns a tracker that isolates a peer after maxFailures
// consecutive failures. Values below 1 select DefaultMaxFailures.
func NewTrustTracker(maxFailures int) *TrustTracker {
	if maxFailures < 1 {
		maxFailures = DefaultMaxFailures
	}
	return &TrustTracker{
		maxFailures: maxFailures,
		failures:    make(map[crypto.DeviceID]int),
	}
}

// RecordFailure counts a failure and reports whether the peer is now isolated.
func (t *TrustTracker) RecordFailure(id crypto.DeviceID) bool {
	t.failures[id]++
	return t.failures[id] >= t.maxFailures
}

// RecordSuccess resets the consecutive failure count of a peer that is not isolated.
// Isolation itself only ends with Clear.
func (t *TrustTracker) RecordSuccess(id crypto.DeviceID) {
	if t.IsIsolated(id) {
		return
	}
	delete(t.failures, id)
}

// Clear forgets everything about the peer, e.g. after a fresh Join.
func (t *TrustTracker) Clear(id crypto.DeviceID) {
	delete(t.failures, id)
}

// IsIsolated reports whether the peer reached the failure threshold.
func (t *TrustTracker) IsIsolated(id crypto.DeviceID) bool {
	return t.failures[id] >= t.maxFailures
}

// Failures returns the current consecutive failure count.
func (t *TrustTracker) Failures(id crypto.DeviceID) int {
	return t.failures[id]
}
