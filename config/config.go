package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "waterdrop"
	// DefaultListeningPort is the signaling port used in fixed mode when none is set.
	DefaultListeningPort = 47400
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultChunkSize               = 16 * 1024
	DefaultMaxConcurrentTransfers  = 4
	DefaultHandshakeTimeoutSeconds = 30
	DefaultConnectTimeoutSeconds   = 20
	DefaultPeerStaleAfterSeconds   = 30
	DefaultChecksumAlgorithm       = "sha256"
	DefaultLogLevel                = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DefaultSTUNServers is used when the config lists none.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// Environment overrides. They apply to the loaded config but are never saved.
const (
	EnvDataDir     = "WATERDROP_DATA_DIR"
	EnvDeviceName  = "WATERDROP_DEVICE_NAME"
	EnvSignalPort  = "WATERDROP_SIGNAL_PORT"
	EnvDownloadDir = "WATERDROP_DOWNLOAD_DIR"
	EnvLogLevel    = "WATERDROP_LOG_LEVEL"
	EnvLogFile     = "WATERDROP_LOG_FILE"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`

	DownloadDir             string   `json:"download_dir"`
	ChunkSize               int      `json:"chunk_size"`
	MaxConcurrentTransfers  int      `json:"max_concurrent_transfers"`
	STUNServers             []string `json:"stun_servers"`
	HandshakeTimeoutSeconds int      `json:"handshake_timeout_seconds"`
	ConnectTimeoutSeconds   int      `json:"connect_timeout_seconds"`
	PeerStaleAfterSeconds   int      `json:"peer_stale_after_seconds"`
	ChecksumAlgorithm       string   `json:"checksum_algorithm"`
	RequireChecksum         bool     `json:"require_checksum"`

	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
}

// LoadDotEnv loads .env files into the process environment. Missing files are
// ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WATERDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
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

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
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

// LoadOrCreate ensures directories and config exist, then returns both. The
// returned config has environment overrides applied; the file does not.
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

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	effective := *cfg
	effective.STUNServers = append([]string(nil), cfg.STUNServers...)
	if err := applyEnvOverrides(&effective); err != nil {
		return nil, "", err
	}
	return &effective, cfgPath, nil
}

// SignalAddress is the listen address for the signaling server.
func (c *DeviceConfig) SignalAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return ":" + strconv.Itoa(c.ListeningPort)
	}
	return ":0"
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "WaterDrop Device"
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:                uuid.NewString(),
		DeviceName:              defaultDeviceName(),
		PortMode:                PortModeAutomatic,
		ListeningPort:           0,
		DownloadDir:             filepath.Join(dataDir, "downloads"),
		ChunkSize:               DefaultChunkSize,
		MaxConcurrentTransfers:  DefaultMaxConcurrentTransfers,
		STUNServers:             append([]string(nil), DefaultSTUNServers...),
		HandshakeTimeoutSeconds: DefaultHandshakeTimeoutSeconds,
		ConnectTimeoutSeconds:   DefaultConnectTimeoutSeconds,
		PeerStaleAfterSeconds:   DefaultPeerStaleAfterSeconds,
		ChecksumAlgorithm:       DefaultChecksumAlgorithm,
		LogLevel:                DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
		updated = true
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = append([]string(nil), DefaultSTUNServers...)
		updated = true
	}
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = DefaultHandshakeTimeoutSeconds
		updated = true
	}
	if cfg.ConnectTimeoutSeconds <= 0 {
		cfg.ConnectTimeoutSeconds = DefaultConnectTimeoutSeconds
		updated = true
	}
	if cfg.PeerStaleAfterSeconds <= 0 {
		cfg.PeerStaleAfterSeconds = DefaultPeerStaleAfterSeconds
		updated = true
	}
	if cfg.ChecksumAlgorithm == "" {
		cfg.ChecksumAlgorithm = DefaultChecksumAlgorithm
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func applyEnvOverrides(cfg *DeviceConfig) error {
	if v := strings.TrimSpace(os.Getenv(EnvDeviceName)); v != "" {
		cfg.DeviceName = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSignalPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s %q", EnvSignalPort, v)
		}
		cfg.ListeningPort = port
		cfg.PortMode = PortModeFixed
		if port == 0 {
			cfg.PortMode = PortModeAutomatic
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvDownloadDir)); v != "" {
		cfg.DownloadDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.LogFile = v
	}
	return nil
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
