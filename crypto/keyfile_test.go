package crypto

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKeypairFileIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x25519_private.pem")

	first, err := EnsureKeypairFile(path)
	require.NoError(t, err)
	second, err := EnsureKeypairFile(path)
	require.NoError(t, err)

	assert.Equal(t, first.PublicKey(), second.PublicKey())
	assert.Equal(t, first.DeviceID(), second.DeviceID())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadKeypairFileRejectsUnexpectedPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	raw := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: make([]byte, 32)})
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err := LoadKeypairFile(path)
	require.ErrorContains(t, err, "unexpected type")
}

func TestLoadKeypairFileRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	raw := pem.EncodeToMemory(&pem.Block{Type: x25519PrivatePEMType, Bytes: make([]byte, 16)})
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err := LoadKeypairFile(path)
	require.ErrorContains(t, err, "invalid private key size")
}
