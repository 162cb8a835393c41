package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"peapod/chunk"
	"peapod/core"
	"peapod/crypto"
	"peapod/heartbeat"
	"peapod/integrity"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peapod"
	// DefaultProxyPort is where the host's local proxy listens.
	DefaultProxyPort = 3128
	// DefaultDiscoveryPort is the UDP port for beacons.
	DefaultDiscoveryPort = 45678
	// DefaultTransportPort is the TCP port for peer sessions.
	DefaultTransportPort = 45679
	// DefaultTickInterval is how often the host calls Core.Tick.
	DefaultTickInterval = time.Second
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"

	configFileName     = "config.json"
	privateKeyFileName = "x25519_private.pem"

	envDataDir       = "PEAPOD_DATA_DIR"
	envProxyPort     = "PEAPOD_PROXY_PORT"
	envDiscoveryPort = "PEAPOD_DISCOVERY_PORT"
	envTransportPort = "PEAPOD_TRANSPORT_PORT"
)

// Config contains persistent local-device settings. Ports may be overridden per
// process through the environment; overrides are never written back.
type Config struct {
	DeviceID       string `json:"device_id"`
	KeyFingerprint string `json:"key_fingerprint"`
	PrivateKeyPath string `json:"private_key_path"`

	ProxyPort     int `json:"proxy_port"`
	DiscoveryPort int `json:"discovery_port"`
	TransportPort int `json:"transport_port"`

	ChunkSize            uint64 `json:"chunk_size"`
	TickIntervalMillis   int64  `json:"tick_interval_ms"`
	SuspectAfterTicks    uint64 `json:"suspect_after_ticks"`
	TimeoutTicks         uint64 `json:"timeout_ticks"`
	MaxIntegrityFailures int    `json:"max_integrity_failures"`
	SelfFetch            *bool  `json:"self_fetch,omitempty"`

	LogLevel string `json:"log_level"`
}

// ResolveDataDir returns $PEAPOD_DATA_DIR when set, otherwise the peapod
// directory under the user's config dir.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads config.json. Unknown keys and trailing data are errors.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse config %q: trailing data after object", path)
	}
	return &cfg, nil
}

// Save writes cfg to a temporary file next to path and renames it into place.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	_, err = tmp.Write(append(raw, '\n'))
	err = multierr.Combine(err, tmp.Chmod(0o600), tmp.Close())
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories, the device key and config exist, applies
// environment overrides and returns the validated config and its path.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = &Config{}
	}

	changed, err := normalizeDefaults(cfg, dataDir)
	if err != nil {
		return nil, "", err
	}
	if changed {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %q: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// normalizeDefaults fills missing fields and makes sure the identity fields match
// the key on disk. It reports whether anything changed.
func normalizeDefaults(cfg *Config, dataDir string) (bool, error) {
	updated := false

	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(dataDir, "keys", privateKeyFileName)
		updated = true
	}

	kp, err := crypto.EnsureKeypairFile(cfg.PrivateKeyPath)
	if err != nil {
		return false, err
	}
	id := kp.DeviceID().String()
	fingerprint := crypto.FormatFingerprint(crypto.Fingerprint(kp.DeviceID()))
	if cfg.DeviceID != id {
		cfg.DeviceID = id
		updated = true
	}
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		updated = true
	}

	setInt := func(field *int, value int) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}
	setInt(&cfg.ProxyPort, DefaultProxyPort)
	setInt(&cfg.DiscoveryPort, DefaultDiscoveryPort)
	setInt(&cfg.TransportPort, DefaultTransportPort)
	setInt(&cfg.MaxIntegrityFailures, integrity.DefaultMaxFailures)

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = chunk.DefaultChunkSize
		updated = true
	}
	if cfg.TickIntervalMillis == 0 {
		cfg.TickIntervalMillis = DefaultTickInterval.Milliseconds()
		updated = true
	}
	if cfg.SuspectAfterTicks == 0 {
		cfg.SuspectAfterTicks = heartbeat.DefaultSuspectAfter
		updated = true
	}
	if cfg.TimeoutTicks == 0 {
		cfg.TimeoutTicks = heartbeat.DefaultTimeoutAfter
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated, nil
}

func applyEnv(cfg *Config) error {
	var err error
	for name, field := range map[string]*int{
		envProxyPort:     &cfg.ProxyPort,
		envDiscoveryPort: &cfg.DiscoveryPort,
		envTransportPort: &cfg.TransportPort,
	} {
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		port, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, parseErr))
			continue
		}
		*field = port
	}
	return err
}

// Validate reports every problem with the config at once.
func (c *Config) Validate() error {
	var err error

	ports := map[string]int{
		"proxy_port":     c.ProxyPort,
		"discovery_port": c.DiscoveryPort,
		"transport_port": c.TransportPort,
	}
	seen := make(map[int]string, len(ports))
	for _, name := range []string{"proxy_port", "discovery_port", "transport_port"} {
		port := ports[name]
		if port < 1 || port > 65535 {
			err = multierr.Append(err, fmt.Errorf("%s %d out of range", name, port))
			continue
		}
		if other, dup := seen[port]; dup {
			err = multierr.Append(err, fmt.Errorf("%s and %s share port %d", other, name, port))
		}
		seen[port] = name
	}

	if c.ChunkSize == 0 || c.ChunkSize > core.MaxChunkSize {
		err = multierr.Append(err, fmt.Errorf("chunk_size %d must be between 1 and %d", c.ChunkSize, core.MaxChunkSize))
	}
	if c.TickIntervalMillis <= 0 {
		err = multierr.Append(err, fmt.Errorf("tick_interval_ms %d must be positive", c.TickIntervalMillis))
	}
	if c.SuspectAfterTicks > c.TimeoutTicks {
		err = multierr.Append(err, fmt.Errorf("suspect_after_ticks %d exceeds timeout_ticks %d", c.SuspectAfterTicks, c.TimeoutTicks))
	}
	if c.MaxIntegrityFailures < 1 {
		err = multierr.Append(err, fmt.Errorf("max_integrity_failures %d must be at least 1", c.MaxIntegrityFailures))
	}
	if _, levelErr := zapcore.ParseLevel(c.LogLevel); levelErr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", levelErr))
	}

	return err
}

// TickInterval returns the configured tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMillis) * time.Millisecond
}

// LoadKeypair reads the device key referenced by the config.
func (c *Config) LoadKeypair() (*crypto.Keypair, error) {
	return crypto.LoadKeypairFile(c.PrivateKeyPath)
}

// CoreOptions converts the config into options for core.New.
func (c *Config) CoreOptions(kp *crypto.Keypair, logger *zap.Logger) core.Options {
	return core.Options{
		Keypair:              kp,
		Logger:               logger,
		ListenPort:           uint16(c.TransportPort),
		ChunkSize:            c.ChunkSize,
		SuspectAfterTicks:    c.SuspectAfterTicks,
		TimeoutTicks:         c.TimeoutTicks,
		MaxIntegrityFailures: c.MaxIntegrityFailures,
		SelfFetch:            c.SelfFetch,
	}
}
