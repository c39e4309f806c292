// Package config holds the lobsterd host configuration. The file lives at
// /etc/lobsterd/config.json with mode 0600 and is the only place operators
// tune the orchestrator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultConfigDir  = "/etc/lobsterd"
	DefaultRuntimeDir = "/var/lib/lobsterd"
	ConfigFileName    = "config.json"
	RegistryFileName  = "registry.json"
)

type ZfsConfig struct {
	Pool              string `json:"pool"`
	ParentDataset     string `json:"parentDataset"`
	DefaultQuota      string `json:"defaultQuota"`
	Compression       string `json:"compression"`
	SnapshotRetention int    `json:"snapshotRetention"`
	SnapshotOnSuspend bool   `json:"snapshotOnSuspend,omitempty"`
}

type TenantsConfig struct {
	UidStart         int    `json:"uidStart"`
	GatewayPortStart int    `json:"gatewayPortStart"`
	HomeBase         string `json:"homeBase"`
}

type WatchdogConfig struct {
	IntervalMs        int64 `json:"intervalMs"`
	TrafficPollMs     int64 `json:"trafficPollMs"`
	IdleThresholdMs   int64 `json:"idleThresholdMs"`
	MaxRepairAttempts int   `json:"maxRepairAttempts"`
	RepairCooldownMs  int64 `json:"repairCooldownMs"`
}

type FirecrackerConfig struct {
	BinaryPath string `json:"binaryPath"`
	KernelPath string `json:"kernelPath"`
	RootfsPath string `json:"rootfsPath"`
}

type JailerConfig struct {
	BinaryPath    string `json:"binaryPath"`
	ChrootBaseDir string `json:"chrootBaseDir"`
}

type VsockConfig struct {
	AgentPort uint32 `json:"agentPort"`
}

type CaddyConfig struct {
	AdminApi string `json:"adminApi"`
	Domain   string `json:"domain"`
	Tls      bool   `json:"tls,omitempty"`
}

type NginxConfig struct {
	SitesPath string `json:"sitesPath"`
	Domain    string `json:"domain"`
}

type OpenclawConfig struct {
	InstallPath   string            `json:"installPath"`
	DefaultConfig map[string]any    `json:"defaultConfig,omitempty"`
	ApiKeys       map[string]string `json:"apiKeys,omitempty"`
}

type Config struct {
	ConfigDir  string `json:"-"`
	RuntimeDir string `json:"runtimeDir"`

	Zfs         ZfsConfig         `json:"zfs"`
	Tenants     TenantsConfig     `json:"tenants"`
	Watchdog    WatchdogConfig    `json:"watchdog"`
	Firecracker FirecrackerConfig `json:"firecracker"`
	Jailer      JailerConfig      `json:"jailer"`
	Vsock       VsockConfig       `json:"vsock"`
	Caddy       *CaddyConfig      `json:"caddy,omitempty"`
	Nginx       *NginxConfig      `json:"nginx,omitempty"`
	Openclaw    OpenclawConfig    `json:"openclaw"`
}

// Default returns the configuration written by `lobsterd init` on a fresh
// host.
func Default() *Config {
	return &Config{
		ConfigDir:  DefaultConfigDir,
		RuntimeDir: DefaultRuntimeDir,
		Zfs: ZfsConfig{
			Pool:              "tank",
			ParentDataset:     "tank/lobsterd",
			DefaultQuota:      "20G",
			Compression:       "zstd",
			SnapshotRetention: 7,
		},
		Tenants: TenantsConfig{
			UidStart:         10000,
			GatewayPortStart: 9000,
			HomeBase:         "/home",
		},
		Watchdog: WatchdogConfig{
			IntervalMs:        15000,
			TrafficPollMs:     5000,
			IdleThresholdMs:   600000,
			MaxRepairAttempts: 3,
			RepairCooldownMs:  60000,
		},
		Firecracker: FirecrackerConfig{
			BinaryPath: "/usr/local/bin/firecracker",
			KernelPath: filepath.Join(DefaultRuntimeDir, "kernels", "vmlinux"),
			RootfsPath: filepath.Join(DefaultRuntimeDir, "kernels", "rootfs.ext4"),
		},
		Jailer: JailerConfig{
			BinaryPath:    "/usr/local/bin/jailer",
			ChrootBaseDir: filepath.Join(DefaultRuntimeDir, "jailer"),
		},
		Vsock: VsockConfig{AgentPort: 52},
		Caddy: &CaddyConfig{
			AdminApi: "http://127.0.0.1:2019",
			Domain:   "lobster.local",
		},
		Openclaw: OpenclawConfig{
			InstallPath: "/opt/openclaw",
		},
	}
}

// Load reads the config file under dir, falling back to defaults when the
// file does not exist yet.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultConfigDir
	}
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.ConfigDir = dir
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ConfigDir = dir
	return cfg, nil
}

// Save writes the config atomically with mode 0600.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.ConfigDir, ConfigFileName)
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// RegistryPath returns the canonical registry file location for this config.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.ConfigDir, RegistryFileName)
}

// CertsDir returns where origin TLS material is installed.
func (c *Config) CertsDir() string {
	return filepath.Join(c.ConfigDir, "certs")
}

// Domain returns the tenant routing domain for whichever proxy backend is
// configured.
func (c *Config) Domain() string {
	if c.Nginx != nil && c.Nginx.Domain != "" {
		return c.Nginx.Domain
	}
	if c.Caddy != nil {
		return c.Caddy.Domain
	}
	return "lobster.local"
}
