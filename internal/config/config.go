package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatd/config.toml.
type Config struct {
	DefaultSession    string `toml:"default_session"`
	UserID            string `toml:"user_id"`
	ServerURL         string `toml:"server_url"`
	SocketURL         string `toml:"socket_url"`
	PageSize          int    `toml:"page_size"`
	ReconnectAttempts int    `toml:"reconnect_attempts"`
	ReconnectDelayMs  int    `toml:"reconnect_delay_ms"`
	HTTPTimeoutSec    int    `toml:"http_timeout_sec"`
}

// Default returns a config with the built-in defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func (c *Config) ApplyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelayMs <= 0 {
		c.ReconnectDelayMs = 2000
	}
	if c.HTTPTimeoutSec <= 0 {
		c.HTTPTimeoutSec = 50
	}
}

// ReconnectDelay returns the reconnect delay as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// HTTPTimeout returns the history request timeout as a duration.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
