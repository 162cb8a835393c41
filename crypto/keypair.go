package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/curve25519"
)

const (
	// PrivateKeySize is the length of an X25519 private scalar.
	PrivateKeySize = 32
	// PublicKeySize is the length of an X25519 public key.
	PublicKeySize = 32
	// DeviceIDSize is the length of a device identifier.
	DeviceIDSize = 16
)

var (
	// ErrInvalidPeerKey indicates a peer public key that cannot be used for key exchange.
	ErrInvalidPeerKey = errors.New("crypto: invalid peer key")
	// ErrAuthFailed indicates an AEAD tag mismatch.
	ErrAuthFailed = errors.New("crypto: message authentication failed")
)

// PublicKey is an X25519 public key. It is freely shared in beacons and handshakes.
type PublicKey [PublicKeySize]byte

// ParsePublicKey copies raw key bytes, rejecting anything that is not exactly 32 bytes.
func ParsePublicKey(raw []byte) (PublicKey, error) {
	var key PublicKey
	if len(raw) != PublicKeySize {
		return key, fmt.Errorf("%w: got %d bytes want %d", ErrInvalidPeerKey, len(raw), PublicKeySize)
	}
	copy(key[:], raw)
	return key, nil
}

// String returns the lowercase hex encoding of the key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// DeviceID identifies a device on the pod. It is derived from the public key.
type DeviceID [DeviceIDSize]byte

// DeviceIDFromPublicKey hashes the public key with SHA-256 and keeps the first 16 bytes.
func DeviceIDFromPublicKey(public PublicKey) DeviceID {
	sum := sha256.Sum256(public[:])
	var id DeviceID
	copy(id[:], sum[:DeviceIDSize])
	return id
}

// ParseDeviceID copies raw identifier bytes.
func ParseDeviceID(raw []byte) (DeviceID, error) {
	var id DeviceID
	if len(raw) != DeviceIDSize {
		return id, fmt.Errorf("invalid device id length: got %d want %d", len(raw), DeviceIDSize)
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the lowercase hex encoding of the identifier.
func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for log lines.
func (id DeviceID) Short() string {
	return id.String()[:8]
}

// Compare orders identifiers by their raw bytes.
func (id DeviceID) Compare(other DeviceID) int {
	return bytes.Compare(id[:], other[:])
}

// IsZero reports whether the identifier is unset.
func (id DeviceID) IsZero() bool {
	return id == DeviceID{}
}

// Keypair is the local X25519 identity. The private scalar never leaves this package
// except through SaveKeypairFile.
type Keypair struct {
	private  [PrivateKeySize]byte
	public   PublicKey
	deviceID DeviceID
}

// GenerateKeypair creates a new random keypair. An error means the system RNG failed.
func GenerateKeypair() (*Keypair, error) {
	return generateKeypair(rand.Reader)
}

func generateKeypair(random io.Reader) (*Keypair, error) {
	var private [PrivateKeySize]byte
	if _, err := io.ReadFull(random, private[:]); err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return KeypairFromPrivate(private)
}

// KeypairFromPrivate rebuilds a keypair from a stored private scalar.
func KeypairFromPrivate(private [PrivateKeySize]byte) (*Keypair, error) {
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive X25519 public key: %w", err)
	}

	kp := &Keypair{private: private}
	copy(kp.public[:], public)
	kp.deviceID = DeviceIDFromPublicKey(kp.public)
	return kp, nil
}

// PublicKey returns the public half of the keypair.
func (kp *Keypair) PublicKey() PublicKey {
	return kp.public
}

// DeviceID returns the identifier derived from the public key.
func (kp *Keypair) DeviceID() DeviceID {
	return kp.deviceID
}

// Fingerprint returns the device identifier grouped in chunks of 4 uppercase chars.
func Fingerprint(id DeviceID) string {
	return FormatFingerprint(id.String())
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}

	return b.String()
}
