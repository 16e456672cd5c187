// Package config loads the JSON configuration file: per-provider API keys
// plus engine tunables. Hints may override any of these per handle.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Keys is one provider's application credentials.
type Keys struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Config is the top-level configuration document.
type Config struct {
	// Keys maps provider kinds onto application credentials.
	Keys map[string]Keys `json:"keys"`

	// ListenAddr is the embedded HTTP server address.
	ListenAddr string `json:"listen_addr,omitempty"`

	// BaseURL overrides the externally visible server prefix (needed
	// behind reverse proxies).
	BaseURL string `json:"base_url,omitempty"`

	// TemporaryDirectory holds write buffers.
	TemporaryDirectory string `json:"temporary_directory,omitempty"`

	// CacheFile persists the listing cache between runs.
	CacheFile string `json:"cache_file,omitempty"`

	// LogLevel and LogFormat configure structured logging.
	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`
}

// Load reads a configuration file and fills in defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with no keys and sane defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Keys == nil {
		c.Keys = make(map[string]Keys)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:12345"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.TemporaryDirectory == "" {
		c.TemporaryDirectory = os.TempDir()
	}
}
