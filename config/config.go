package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon settings read from the TOML config file. Missing
// fields fall back to defaults at load time.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	Environment string `toml:"Environment"`
	LogFile     string `toml:"LogFile"`

	// DefaultDepositWindow and DefaultSigningWindow are the fallback deal
	// window offsets, in seconds, used when a creation request omits them.
	DefaultDepositWindow int64 `toml:"DefaultDepositWindow"`
	DefaultSigningWindow int64 `toml:"DefaultSigningWindow"`

	// RateLimitPerMinute caps mutating RPC calls per client source.
	RateLimitPerMinute int `toml:"RateLimitPerMinute"`

	// DevFaucet enables the ledger_mint RPC method. Never enable it on a
	// network carrying real value.
	DevFaucet bool `toml:"DevFaucet"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./deal-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.DefaultDepositWindow <= 0 {
		cfg.DefaultDepositWindow = 24 * 60 * 60
	}
	if cfg.DefaultSigningWindow <= 0 {
		cfg.DefaultSigningWindow = 24 * 60 * 60
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
