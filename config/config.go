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
	AppDirectoryName = "rollcall"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "ROLLCALL_DATA_DIR"
	// DefaultListeningPort is the responder TCP port used in fixed port mode.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultScanIntervalSeconds  = 30
	DefaultBusyPollSeconds      = 3
	DefaultConfirmRetries       = 20
	DefaultConfirmSpacingMillis = 1000
	DefaultConnectRetries       = 20
	DefaultConnectSpacingMillis = 1000
	DefaultSocketTimeoutMillis  = 3000

	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings for both roles.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DisplayID     string `json:"display_id"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`
	WifiInterface string `json:"wifi_interface"`

	ScanIntervalSeconds  int   `json:"scan_interval_seconds"`
	BusyPollSeconds      int   `json:"busy_poll_seconds"`
	ConfirmRetries       int   `json:"confirm_retries"`
	ConfirmSpacingMillis int   `json:"confirm_spacing_millis"`
	ConnectRetries       int   `json:"connect_retries"`
	ConnectSpacingMillis int   `json:"connect_spacing_millis"`
	SocketTimeoutMillis  int   `json:"socket_timeout_millis"`
	ConfirmFailFast      *bool `json:"confirm_fail_fast,omitempty"`
}

// ScanInterval is the delay between idle scan cycles.
func (c *DeviceConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// BusyPoll is the scan loop poll interval while an attempt is running.
func (c *DeviceConfig) BusyPoll() time.Duration {
	return time.Duration(c.BusyPollSeconds) * time.Second
}

// ConfirmSpacing is the delay between network confirmation checks.
func (c *DeviceConfig) ConfirmSpacing() time.Duration {
	return time.Duration(c.ConfirmSpacingMillis) * time.Millisecond
}

// ConnectSpacing is the delay between socket connect attempts.
func (c *DeviceConfig) ConnectSpacing() time.Duration {
	return time.Duration(c.ConnectSpacingMillis) * time.Millisecond
}

// SocketTimeout bounds every handshake read and write.
func (c *DeviceConfig) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutMillis) * time.Millisecond
}

// FailFast reports whether an exhausted network confirmation stops the convener.
func (c *DeviceConfig) FailFast() bool {
	if c.ConfirmFailFast == nil {
		return true
	}
	return *c.ConfirmFailFast
}

// SetDisplayID replaces the wire identity after stripping the handshake delimiters.
func (c *DeviceConfig) SetDisplayID(id string) error {
	clean := sanitizeDisplayID(id)
	if clean == "" {
		return fmt.Errorf("display ID %q is empty without delimiters", id)
	}
	c.DisplayID = clean
	return nil
}

// ListenAddress is the responder server bind address for the configured port mode.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If ROLLCALL_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
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

// LoadOrCreate ensures the data directory and config exist under dataDir, then returns both.
// An empty dataDir resolves the per-user default.
func LoadOrCreate(dataDir string) (*DeviceConfig, string, error) {
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

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDisplayID(deviceID string) string {
	if host, err := os.Hostname(); err == nil {
		if clean := sanitizeDisplayID(host); clean != "" {
			return clean
		}
	}
	return strings.ToUpper(strings.ReplaceAll(deviceID, "-", ""))[:8]
}

// sanitizeDisplayID strips the wire delimiters so the id survives the colon-separated handshake.
func sanitizeDisplayID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.NewReplacer(":", "", "\n", "", "\r", "").Replace(id)
	return id
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if clean := sanitizeDisplayID(cfg.DisplayID); clean != cfg.DisplayID {
		cfg.DisplayID = clean
		updated = true
	}
	if cfg.DisplayID == "" {
		cfg.DisplayID = defaultDisplayID(cfg.DeviceID)
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

	updated = defaultPositive(&cfg.ScanIntervalSeconds, DefaultScanIntervalSeconds) || updated
	updated = defaultPositive(&cfg.BusyPollSeconds, DefaultBusyPollSeconds) || updated
	updated = defaultPositive(&cfg.ConfirmRetries, DefaultConfirmRetries) || updated
	updated = defaultPositive(&cfg.ConfirmSpacingMillis, DefaultConfirmSpacingMillis) || updated
	updated = defaultPositive(&cfg.ConnectRetries, DefaultConnectRetries) || updated
	updated = defaultPositive(&cfg.ConnectSpacingMillis, DefaultConnectSpacingMillis) || updated
	updated = defaultPositive(&cfg.SocketTimeoutMillis, DefaultSocketTimeoutMillis) || updated

	return updated
}

func defaultPositive(value *int, fallback int) bool {
	if *value > 0 {
		return false
	}
	*value = fallback
	return true
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
