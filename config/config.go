package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "netxend"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "NETXEND_DATA_DIR"
	// DefaultTransferPort is the TCP port for file transfers.
	DefaultTransferPort = 65432
	// DefaultDiscoveryPort is the UDP port for discovery datagrams.
	DefaultDiscoveryPort = 65433
	// DefaultProbeIntervalSeconds is the recurring discovery interval.
	DefaultProbeIntervalSeconds = 10
	// DefaultPeerTTLSeconds is how long a silent peer stays listed.
	DefaultPeerTTLSeconds = 30
	// DefaultLogLevel is used when log_level is missing or invalid.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID             string `json:"device_id"`
	DeviceName           string `json:"display_name"`
	SaveDirectory        string `json:"save_dir"`
	TransferPort         int    `json:"transfer_port"`
	DiscoveryPort        int    `json:"discovery_port"`
	ProbeIntervalSeconds int    `json:"probe_interval_seconds"`
	PeerTTLSeconds       int    `json:"peer_ttl_seconds"`
	EnableMDNS           bool   `json:"enable_mdns"`
	LogLevel             string `json:"log_level"`
}

// DisplayName returns the identity announced to peers.
func (c *DeviceConfig) DisplayName() string {
	return c.DeviceName
}

// SaveDir returns the directory inbound files are written to.
func (c *DeviceConfig) SaveDir() string {
	return c.SaveDirectory
}

// ProbeInterval returns the discovery interval as a duration.
func (c *DeviceConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// PeerTTL returns the peer liveness threshold as a duration.
func (c *DeviceConfig) PeerTTL() time.Duration {
	return time.Duration(c.PeerTTLSeconds) * time.Second
}

// Level parses LogLevel, falling back to info.
func (c *DeviceConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NETXEND_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// DefaultSaveDir returns ~/Downloads/netxend.
func DefaultSaveDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, "Downloads", AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// EnsureSaveDir creates the save directory so SaveDir always names an
// existing path.
func EnsureSaveDir(cfg *DeviceConfig) error {
	if strings.TrimSpace(cfg.SaveDirectory) == "" {
		return errors.New("save_dir is empty")
	}
	if err := os.MkdirAll(cfg.SaveDirectory, 0o755); err != nil {
		return fmt.Errorf("create save directory %q: %w", cfg.SaveDirectory, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
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
		cfg = &DeviceConfig{}
	}

	updated, err := normalizeDefaults(cfg)
	if err != nil {
		return nil, "", err
	}
	if updated {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := EnsureSaveDir(cfg); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

func normalizeDefaults(cfg *DeviceConfig) (bool, error) {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DeviceName) == "" {
		deviceName := "NetXend Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.SaveDirectory == "" {
		dir, err := DefaultSaveDir()
		if err != nil {
			return false, err
		}
		cfg.SaveDirectory = dir
		updated = true
	}

	if !validPort(cfg.TransferPort) {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}
	if !validPort(cfg.DiscoveryPort) {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}

	if cfg.ProbeIntervalSeconds <= 0 {
		cfg.ProbeIntervalSeconds = DefaultProbeIntervalSeconds
		updated = true
	}
	if cfg.PeerTTLSeconds <= 0 {
		cfg.PeerTTLSeconds = DefaultPeerTTLSeconds
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated, nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}
