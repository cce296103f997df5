package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanshare"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "LANSHARE_DATA_DIR"
	// DefaultChunkSize is the transfer chunk size in bytes.
	DefaultChunkSize = 1024 * 1024
	// DefaultScanTimeout is the discovery response window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultRefreshInterval is the background rescan interval.
	DefaultRefreshInterval = 30 * time.Second

	// ApprovalPrompt queues incoming connects until the user decides.
	ApprovalPrompt = "prompt"
	// ApprovalAcceptAll accepts every incoming connect.
	ApprovalAcceptAll = "accept-all"
	// ApprovalRejectAll rejects every incoming connect.
	ApprovalRejectAll = "reject-all"

	configFileName = "config.json"
)

// DefaultDiscoveryPorts are probed in order by the responder and targeted by scans.
var DefaultDiscoveryPorts = []int{50000, 50001, 50002, 50003, 50004}

// NodeConfig contains persistent node settings. The peer id is generated per
// process and never stored.
type NodeConfig struct {
	DisplayName         string `json:"display_name"`
	ShareDir            string `json:"share_dir"`
	DownloadDir         string `json:"download_dir"`
	ControlPort         int    `json:"control_port"`
	TransferPort        int    `json:"transfer_port"`
	DiscoveryPorts      []int  `json:"discovery_ports"`
	ScanTimeoutMS       int    `json:"scan_timeout_ms"`
	RefreshIntervalMS   int    `json:"refresh_interval_ms"`
	ChunkSize           int    `json:"chunk_size"`
	RequireTransferAuth *bool  `json:"require_transfer_auth,omitempty"`
	EnableMDNS          bool   `json:"enable_mdns"`
	ApprovalPolicy      string `json:"approval_policy"`
}

// ScanTimeout returns the discovery window as a duration.
func (c *NodeConfig) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutMS) * time.Millisecond
}

// RefreshInterval returns the rescan interval as a duration.
func (c *NodeConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// TransferAuthRequired reports whether the transfer port is gated. Unset means true.
func (c *NodeConfig) TransferAuthRequired() bool {
	return c.RequireTransferAuth == nil || *c.RequireTransferAuth
}

// SetTransferAuthRequired stores an explicit transfer gate setting.
func (c *NodeConfig) SetTransferAuthRequired(required bool) {
	c.RequireTransferAuth = &required
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSHARE_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the data directory and the default download
// directory beneath it.
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

// LoadOrCreate ensures directories and config exist in the resolved data
// directory, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt is LoadOrCreate for an explicit data directory.
func LoadOrCreateAt(dataDir string) (*NodeConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &NodeConfig{}
		normalizeDefaults(cfg, dataDir)
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

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Share Node"
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName()
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	if cfg.ControlPort < 0 {
		cfg.ControlPort = 0
		updated = true
	}
	if cfg.TransferPort < 0 {
		cfg.TransferPort = 0
		updated = true
	}

	ports := make([]int, 0, len(cfg.DiscoveryPorts))
	for _, port := range cfg.DiscoveryPorts {
		if port > 0 && port <= 65535 {
			ports = append(ports, port)
		}
	}
	if len(ports) == 0 {
		ports = append([]int(nil), DefaultDiscoveryPorts...)
	}
	if len(ports) != len(cfg.DiscoveryPorts) {
		cfg.DiscoveryPorts = ports
		updated = true
	}

	if cfg.ScanTimeoutMS <= 0 {
		cfg.ScanTimeoutMS = int(DefaultScanTimeout / time.Millisecond)
		updated = true
	}
	if cfg.RefreshIntervalMS <= 0 {
		cfg.RefreshIntervalMS = int(DefaultRefreshInterval / time.Millisecond)
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}

	if cfg.RequireTransferAuth == nil {
		cfg.SetTransferAuthRequired(true)
		updated = true
	}

	policy := normalizeApprovalPolicy(cfg.ApprovalPolicy)
	if cfg.ApprovalPolicy != policy {
		cfg.ApprovalPolicy = policy
		updated = true
	}

	return updated
}

func normalizeApprovalPolicy(policy string) string {
	switch policy {
	case ApprovalAcceptAll, ApprovalRejectAll:
		return policy
	default:
		return ApprovalPrompt
	}
}
