package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is where the agent CLI reads and writes its config.
const DefaultConfigFile = "compolvo.yml"

// Config is the agent's YAML configuration, written by `agent init` and read
// by `agent run`.
type Config struct {
	Agent    AgentConfig  `yaml:"agent"`
	Compolvo ServerConfig `yaml:"compolvo"`
}

// AgentConfig identifies this agent to the server.
type AgentConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig locates the server.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Secure bool   `yaml:"secure"`
}

// BaseURL returns the HTTP base URL for API and playbook fetches.
func (c ServerConfig) BaseURL() string {
	scheme := "http"
	if c.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Host)
}

// WebsocketURL returns the websocket endpoint URL.
func (c ServerConfig) WebsocketURL() string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/notify", scheme, c.Host)
}

// LoadConfig reads a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Agent.ID == "" {
		return nil, fmt.Errorf("config %s has no agent id", path)
	}
	if cfg.Compolvo.Host == "" {
		return nil, fmt.Errorf("config %s has no server host", path)
	}
	return &cfg, nil
}

// SaveConfig writes a config file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
