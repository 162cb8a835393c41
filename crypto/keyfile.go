package crypto

import (
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const x25519PrivatePEMType = "X25519 PRIVATE KEY"

// EnsureKeypairFile loads the device keypair from disk, generating it if absent.
func EnsureKeypairFile(path string) (*Keypair, error) {
	kp, err := LoadKeypairFile(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	kp, err = GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeypairFile(path, kp); err != nil {
		return nil, err
	}

	return kp, nil
}

// LoadKeypairFile reads an X25519 private key from PEM and rebuilds the keypair.
func LoadKeypairFile(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read X25519 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode X25519 PEM: no PEM block")
	}
	if block.Type != x25519PrivatePEMType {
		return nil, fmt.Errorf("decode X25519 PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != PrivateKeySize {
		return nil, fmt.Errorf("decode X25519 PEM: invalid private key size %d", len(block.Bytes))
	}

	var private [PrivateKeySize]byte
	copy(private[:], block.Bytes)
	wipe(block.Bytes)
	return KeypairFromPrivate(private)
}

// SaveKeypairFile writes the private scalar as a PEM file with 0600 permissions.
func SaveKeypairFile(path string, kp *Keypair) error {
	block := &pem.Block{
		Type:  x25519PrivatePEMType,
		Bytes: append([]byte(nil), kp.private[:]...),
	}
	defer wipe(block.Bytes)

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write X25519 private key: %w", err)
	}

	return nil
}
