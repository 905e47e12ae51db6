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
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "vaultsync"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "VAULTSYNC_DATA_DIR"
	// DefaultListeningPort is the TCP port used in fixed mode when none is set.
	DefaultListeningPort = 42420
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Protocol defaults.
const (
	DefaultBlockSize         = 32 * 1024
	DefaultMaxInflight       = 8
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultIdleTimeout       = 90 * time.Second
	DefaultStateInterval     = time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultBulkWorkers       = 8
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
)

// FolderConfig is one folder the node synchronizes.
type FolderConfig struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
	// Root is the directory the index command reads from.
	Root string `json:"root,omitempty"`
}

// Tunables holds protocol parameters. Durations are milliseconds on disk.
type Tunables struct {
	BlockSize           int `json:"block_size"`
	MaxInflight         int `json:"max_inflight"`
	UploadRateLimit     int `json:"upload_rate_limit"`
	MaxUnchoked         int `json:"max_unchoked"`
	HandshakeTimeoutMS  int `json:"handshake_timeout_ms"`
	KeepAliveIntervalMS int `json:"keepalive_interval_ms"`
	IdleTimeoutMS       int `json:"idle_timeout_ms"`
	StateIntervalMS     int `json:"state_interval_ms"`
	RequestTimeoutMS    int `json:"request_timeout_ms"`
	BulkWorkers         int `json:"bulk_workers"`
}

func (t Tunables) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutMS) * time.Millisecond
}

func (t Tunables) KeepAliveInterval() time.Duration {
	return time.Duration(t.KeepAliveIntervalMS) * time.Millisecond
}

func (t Tunables) IdleTimeout() time.Duration {
	return time.Duration(t.IdleTimeoutMS) * time.Millisecond
}

func (t Tunables) StateInterval() time.Duration {
	return time.Duration(t.StateIntervalMS) * time.Millisecond
}

func (t Tunables) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutMS) * time.Millisecond
}

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	NodeID           string         `json:"node_id"`
	NodeName         string         `json:"node_name"`
	PortMode         string         `json:"port_mode"`
	ListeningPort    int            `json:"listening_port"`
	ExternalPort     int            `json:"external_port"`
	NodeKeyPath      string         `json:"node_key_path"`
	Folders          []FolderConfig `json:"folders"`
	DiscoveryEnabled bool           `json:"discovery_enabled"`
	LogLevel         string         `json:"log_level"`
	LogFormat        string         `json:"log_format"`
	MetricsAddr      string         `json:"metrics_addr,omitempty"`
	Tunables         Tunables       `json:"tunables"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If VAULTSYNC_DATA_DIR is set, its value is used as an explicit override.
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

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// FolderDataDir returns the directory holding the database of one folder.
func FolderDataDir(dataDir, folderIDHex string) string {
	return filepath.Join(dataDir, "folders", folderIDHex)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "folders"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
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
// An empty dataDir is resolved with ResolveDataDir.
func LoadOrCreate(dataDir string) (*NodeConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
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

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// AddFolder appends a folder unless one with the same secret exists.
func (c *NodeConfig) AddFolder(folder FolderConfig) bool {
	for _, existing := range c.Folders {
		if existing.Secret == folder.Secret {
			return false
		}
	}
	c.Folders = append(c.Folders, folder)
	return true
}

// FindFolder returns the folder named name.
func (c *NodeConfig) FindFolder(name string) (FolderConfig, bool) {
	for _, folder := range c.Folders {
		if folder.Name == name {
			return folder, true
		}
	}
	return FolderConfig{}, false
}

func defaultConfig(dataDir string) *NodeConfig {
	return &NodeConfig{
		NodeID:           uuid.NewString(),
		NodeName:         defaultNodeName(),
		PortMode:         PortModeAutomatic,
		ListeningPort:    0,
		NodeKeyPath:      filepath.Join(dataDir, "keys", "node_ed25519.pem"),
		DiscoveryEnabled: true,
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
		Tunables:         DefaultTunables(),
	}
}

// DefaultTunables returns the protocol defaults.
func DefaultTunables() Tunables {
	return Tunables{
		BlockSize:           DefaultBlockSize,
		MaxInflight:         DefaultMaxInflight,
		HandshakeTimeoutMS:  int(DefaultHandshakeTimeout / time.Millisecond),
		KeepAliveIntervalMS: int(DefaultKeepAliveInterval / time.Millisecond),
		IdleTimeoutMS:       int(DefaultIdleTimeout / time.Millisecond),
		StateIntervalMS:     int(DefaultStateInterval / time.Millisecond),
		RequestTimeoutMS:    int(DefaultRequestTimeout / time.Millisecond),
		BulkWorkers:         DefaultBulkWorkers,
	}
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "vaultsync node"
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.NodeName) == "" {
		cfg.NodeName = defaultNodeName()
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
	if cfg.ExternalPort < 0 {
		cfg.ExternalPort = 0
		updated = true
	}

	if cfg.NodeKeyPath == "" {
		cfg.NodeKeyPath = filepath.Join(dataDir, "keys", "node_ed25519.pem")
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
		updated = true
	}

	if normalizeTunables(&cfg.Tunables) {
		updated = true
	}

	return updated
}

func normalizeTunables(t *Tunables) bool {
	defaults := DefaultTunables()
	updated := false
	fill := func(value *int, fallback int) {
		if *value <= 0 {
			*value = fallback
			updated = true
		}
	}

	fill(&t.BlockSize, defaults.BlockSize)
	fill(&t.MaxInflight, defaults.MaxInflight)
	fill(&t.HandshakeTimeoutMS, defaults.HandshakeTimeoutMS)
	fill(&t.KeepAliveIntervalMS, defaults.KeepAliveIntervalMS)
	fill(&t.IdleTimeoutMS, defaults.IdleTimeoutMS)
	fill(&t.StateIntervalMS, defaults.StateIntervalMS)
	fill(&t.RequestTimeoutMS, defaults.RequestTimeoutMS)
	fill(&t.BulkWorkers, defaults.BulkWorkers)

	if t.UploadRateLimit < 0 {
		t.UploadRateLimit = 0
		updated = true
	}
	if t.MaxUnchoked < 0 {
		t.MaxUnchoked = 0
		updated = true
	}
	if t.IdleTimeoutMS <= t.KeepAliveIntervalMS {
		t.IdleTimeoutMS = 3 * t.KeepAliveIntervalMS
		updated = true
	}

	return updated
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
