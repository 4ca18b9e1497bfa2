package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen              = "127.0.0.1:53180"
	DefaultMTU                 = 1420
	DefaultStatsIntervalSec    = 10
	DefaultHandshakeTimeoutSec = 20
	DefaultUserspaceBinary     = "wireguard-go"
)

// Config holds the daemon settings.
type Config struct {
	// Listen is the local control API address. The desktop client is the
	// only intended caller, so it defaults to loopback.
	Listen              string   `yaml:"listen"`
	DataDir             string   `yaml:"data_dir"`
	MTU                 int      `yaml:"mtu"`
	StatsIntervalSec    int      `yaml:"stats_interval_sec"`
	HandshakeTimeoutSec int      `yaml:"handshake_timeout_sec"`
	STUNServers         []string `yaml:"stun_servers,omitempty"`
	// UserspaceBinary is spawned when the kernel module cannot create a
	// wireguard link. Empty disables the fallback.
	UserspaceBinary string `yaml:"userspace_binary"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if cfg.StatsIntervalSec <= 0 {
		return fmt.Errorf("stats_interval_sec must be positive")
	}
	if cfg.HandshakeTimeoutSec <= 0 {
		return fmt.Errorf("handshake_timeout_sec must be positive")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.StatsIntervalSec == 0 {
		cfg.StatsIntervalSec = DefaultStatsIntervalSec
	}
	if cfg.HandshakeTimeoutSec == 0 {
		cfg.HandshakeTimeoutSec = DefaultHandshakeTimeoutSec
	}
	if cfg.UserspaceBinary == "" {
		cfg.UserspaceBinary = DefaultUserspaceBinary
	}
}
