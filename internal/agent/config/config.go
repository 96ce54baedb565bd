// Package config loads the node agent's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where `fleet-agent install` writes the config.
const DefaultPath = "/etc/fleet/agent.yaml"

var defaultConfigPaths = []string{
	"./agent.yaml",
	DefaultPath,
}

type Config struct {
	// Node is the id the control plane addresses this agent by, normally the server hostname.
	Node          string        `yaml:"node"`
	NatsURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	StateDir      string        `yaml:"state_dir"`
	LogPath       string        `yaml:"log_path"`
	ExecTimeout   time.Duration `yaml:"exec_timeout"`
	UseSudo       bool          `yaml:"use_sudo"`
}

// Load reads path, or the first default path that exists. With no path and no file found the
// defaults are returned, so a freshly uploaded binary can run image commands before install.
func Load(path string) (*Config, error) {
	configPath := path
	if configPath == "" {
		for _, p := range defaultConfigPaths {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	var cfg Config
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.NatsURL == "" {
		c.NatsURL = "nats://localhost:4222"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "fleet"
	}
	if c.StateDir == "" {
		c.StateDir = "/var/lib/fleet-agent"
	}
	if c.LogPath == "" {
		c.LogPath = "/var/log/fleet-agent.log"
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = 30 * time.Minute
	}
}

// Validate checks what `fleet-agent run` needs.
func (c *Config) Validate() error {
	if c.Node == "" {
		return fmt.Errorf("node is required")
	}
	if c.NatsURL == "" {
		return fmt.Errorf("nats_url is required")
	}
	return nil
}

// Save writes c to path, creating its directory.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
