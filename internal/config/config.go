// Package config loads and validates the service configuration from YAML.
// Environment variables referenced as ${VAR} in the file are expanded before
// parsing, so API keys never need to live in the file itself.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fixerlabs/fixer/internal/observability"
	"github.com/fixerlabs/fixer/internal/ratelimit"
	"github.com/fixerlabs/fixer/internal/tools/websearch"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Agent     AgentConfig              `yaml:"agent"`
	LLM       LLMConfig                `yaml:"llm"`
	RateLimit ratelimit.Config         `yaml:"rate_limit"`
	Sessions  SessionsConfig           `yaml:"sessions"`
	Tools     ToolsConfig              `yaml:"tools"`
	Logging   observability.LogConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ReadTimeout bounds request header and body reads.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// ShutdownTimeout bounds graceful shutdown on SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MetricsEnabled exposes /metrics when true.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// AgentConfig controls the agent loop behavior.
type AgentConfig struct {
	// SystemPrompt overrides the built-in persona prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// Model names the model to use; empty falls back to the provider default.
	Model string `yaml:"model"`

	// MaxIterations bounds tool-call rounds per turn.
	MaxIterations int `yaml:"max_iterations"`

	// MaxTokens per completion request.
	MaxTokens int `yaml:"max_tokens"`

	// HistoryLimit caps how many prior messages feed each turn.
	HistoryLimit int `yaml:"history_limit"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	// DefaultProvider is one of "anthropic", "openai", "bedrock".
	DefaultProvider string `yaml:"default_provider"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig holds per-provider credentials and overrides.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`

	// AWS settings, used by the bedrock provider only.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// SessionsConfig selects the conversation store backend.
type SessionsConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path to the SQLite database file. Required for the sqlite backend.
	Path string `yaml:"path"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	WebSearch WebSearchConfig `yaml:"web_search"`
}

// WebSearchConfig enables and configures the web_search tool.
type WebSearchConfig struct {
	Enabled          bool `yaml:"enabled"`
	websearch.Config `yaml:",inline"`
}

// Load reads and parses the configuration file with strict field checking.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			cfg = Config{}
		} else {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a ready-to-run configuration without reading a file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Agent.SystemPrompt == "" {
		cfg.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 5
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = 2048
	}
	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = 50
	}

	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "bedrock"
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]ProviderConfig{}
	}

	rlDefaults := ratelimit.DefaultConfig()
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = rlDefaults.Window
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = rlDefaults.MaxRequests
	}
	if cfg.RateLimit.SweepInterval == 0 {
		cfg.RateLimit.SweepInterval = rlDefaults.SweepInterval
	}

	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.LLM.DefaultProvider {
	case "anthropic", "openai", "bedrock":
	default:
		return fmt.Errorf("llm.default_provider must be anthropic, openai, or bedrock, got %q", c.LLM.DefaultProvider)
	}

	switch c.Sessions.Backend {
	case "memory":
	case "sqlite":
		if c.Sessions.Path == "" {
			return fmt.Errorf("sessions.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("sessions.backend must be memory or sqlite, got %q", c.Sessions.Backend)
	}

	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}

	return nil
}

// Provider returns the configuration block for the named provider.
func (c *Config) Provider(name string) ProviderConfig {
	return c.LLM.Providers[name]
}
