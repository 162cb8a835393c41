package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEAPOD_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if len(firstCfg.DeviceID) != 32 {
		t.Fatalf("expected 16-byte hex device ID, got %q", firstCfg.DeviceID)
	}
	if firstCfg.ProxyPort != DefaultProxyPort || firstCfg.DiscoveryPort != DefaultDiscoveryPort || firstCfg.TransportPort != DefaultTransportPort {
		t.Fatalf("expected default ports, got %d/%d/%d", firstCfg.ProxyPort, firstCfg.DiscoveryPort, firstCfg.TransportPort)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.KeyFingerprint != firstCfg.KeyFingerprint {
		t.Fatalf("expected stable fingerprint, got %q then %q", firstCfg.KeyFingerprint, secondCfg.KeyFingerprint)
	}

	kp, err := secondCfg.LoadKeypair()
	if err != nil {
		t.Fatalf("LoadKeypair failed: %v", err)
	}
	if kp.DeviceID().String() != secondCfg.DeviceID {
		t.Fatalf("expected device ID to match key on disk")
	}
}

func TestLoadOrCreateRepairsIdentityFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEAPOD_DATA_DIR", tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	stale := &Config{
		DeviceID:      "not-a-real-id",
		ProxyPort:     8080,
		TransportPort: 50000,
	}
	if err := Save(ConfigPath(tempDir), stale); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID == "not-a-real-id" {
		t.Fatalf("expected device ID to be derived from the key")
	}
	if cfg.ProxyPort != 8080 || cfg.TransportPort != 50000 {
		t.Fatalf("expected user ports to be kept, got %d/%d", cfg.ProxyPort, cfg.TransportPort)
	}
	if cfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Fatalf("expected missing discovery port to default, got %d", cfg.DiscoveryPort)
	}

	persisted, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.DeviceID != cfg.DeviceID {
		t.Fatalf("expected repaired config to be saved")
	}
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEAPOD_DATA_DIR", tempDir)
	t.Setenv("PEAPOD_PROXY_PORT", "18080")

	cfg, path, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ProxyPort != 18080 {
		t.Fatalf("expected env proxy port, got %d", cfg.ProxyPort)
	}

	persisted, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.ProxyPort != DefaultProxyPort {
		t.Fatalf("expected persisted proxy port %d, got %d", DefaultProxyPort, persisted.ProxyPort)
	}

	t.Setenv("PEAPOD_TRANSPORT_PORT", "not-a-port")
	if _, _, err := LoadOrCreate(); err == nil {
		t.Fatalf("expected invalid env port to fail")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		ProxyPort:            3128,
		DiscoveryPort:        3128,
		TransportPort:        70000,
		ChunkSize:            0,
		TickIntervalMillis:   1000,
		SuspectAfterTicks:    4,
		TimeoutTicks:         3,
		MaxIntegrityFailures: 3,
		LogLevel:             "loud",
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if got := len(multierr.Errors(err)); got != 5 {
		t.Fatalf("expected 5 problems, got %d: %v", got, err)
	}
}

func TestCoreOptionsCarrySettings(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("PEAPOD_DATA_DIR", tempDir)

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	kp, err := cfg.LoadKeypair()
	if err != nil {
		t.Fatalf("LoadKeypair failed: %v", err)
	}

	opts := cfg.CoreOptions(kp, zap.NewNop())
	if opts.Keypair != kp || opts.ChunkSize != cfg.ChunkSize || opts.ListenPort != uint16(cfg.TransportPort) {
		t.Fatalf("unexpected core options: %+v", opts)
	}
	if cfg.TickInterval() != DefaultTickInterval {
		t.Fatalf("expected default tick interval, got %v", cfg.TickInterval())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || errors.Unwrap(err) == nil {
		t.Fatalf("expected wrapped read error, got %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"proxy_port": 3128, "chunk_sise": 1024}`), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "chunk_sise") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"proxy_port": 3128} {}`), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected trailing data to be rejected")
	}
}

func TestSaveReplacesFileWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := ConfigPath(dir)

	for _, port := range []int{1111, 2222} {
		if err := Save(path, &Config{ProxyPort: port}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ProxyPort != 2222 {
		t.Fatalf("expected last saved port, got %d", cfg.ProxyPort)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only config.json, found %d entries", len(entries))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 config, got %o", perm)
	}
}

func TestResolveDataDirHonoursOverride(t *testing.T) {
	t.Setenv("PEAPOD_DATA_DIR", "/tmp/peapod-test")
	dir, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir failed: %v", err)
	}
	if dir != "/tmp/peapod-test" {
		t.Fatalf("expected override, got %q", dir)
	}

	t.Setenv("PEAPOD_DATA_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	t.Setenv("HOME", "/tmp/home")
	dir, err = ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir failed: %v", err)
	}
	if filepath.Base(dir) != AppDirectoryName {
		t.Fatalf("expected %q directory, got %q", AppDirectoryName, dir)
	}
}
