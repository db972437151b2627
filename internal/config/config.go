package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models trackerz.yml.
type Config struct {
	Defaults struct {
		Actor    string `yaml:"actor"`
		Priority string `yaml:"priority"`
	} `yaml:"defaults"`
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// knownPriorities mirrors the deployed priority reference set.
var knownPriorities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Load reads config from the workspace, falling back to defaults when
// no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Defaults.Priority != "" && !knownPriorities[strings.ToLower(c.Defaults.Priority)] {
		return fmt.Errorf("defaults.priority %q is not a known priority", c.Defaults.Priority)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Defaults.Actor = "local-user"
	cfg.Defaults.Priority = "Medium"
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trackerz.yml")
}
