// Package config provides configuration loading for devloop.
//
// Configuration is loaded from environment variables, optionally layered
// over a YAML file. Required settings that are missing fail validation at
// startup; the daemon never starts half-configured.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingConfig indicates a required setting is absent.
var ErrMissingConfig = errors.New("missing required configuration")

// Config holds the complete devloop configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	GitHub    GitHubConfig    `koanf:"github"`
	Agent     AgentConfig     `koanf:"agent"`
	LLM       LLMConfig       `koanf:"llm"`
	State     StateConfig     `koanf:"state"`
	Webhook   WebhookConfig   `koanf:"webhook"`
	NATS      NATSConfig      `koanf:"nats"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds log level and format settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// GitHubConfig holds source-host access settings.
type GitHubConfig struct {
	Token      Secret `koanf:"token"`
	Repository string `koanf:"repository"` // owner/repo
	Branch     string `koanf:"branch"`
}

// Owner returns the owner half of the configured repository.
func (g GitHubConfig) Owner() string {
	owner, _, _ := strings.Cut(g.Repository, "/")
	return owner
}

// Repo returns the repo half of the configured repository.
func (g GitHubConfig) Repo() string {
	_, repo, _ := strings.Cut(g.Repository, "/")
	return repo
}

// AgentConfig holds task-agent API settings.
type AgentConfig struct {
	APIKey  Secret `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

// LLMConfig holds LLM subprocess settings.
type LLMConfig struct {
	APIKey        Secret   `koanf:"api_key"`
	CLIPath       string   `koanf:"cli_path"`
	Model         string   `koanf:"model"`
	FallbackModel string   `koanf:"fallback_model"`
	Timeout       Duration `koanf:"timeout"`
}

// StateConfig holds lifecycle state storage settings.
type StateConfig struct {
	Path string `koanf:"path"`
}

// WebhookConfig holds webhook verification settings.
type WebhookConfig struct {
	Secret Secret `koanf:"secret"`
}

// NATSConfig holds event-bus settings. When URL is empty and Embedded is
// true, an in-process nats-server is started; when both are unset events
// are dispatched inline without a bus.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
}

// HeartbeatConfig holds the optional in-process heartbeat schedule.
// Empty Cron disables internal scheduling; POST /heartbeat still works.
type HeartbeatConfig struct {
	Cron string `koanf:"cron"`
}

// applyDefaults fills in defaults for unset optional values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.GitHub.Branch == "" {
		cfg.GitHub.Branch = "main"
	}
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = "https://jules.googleapis.com/v1alpha"
	}
	if cfg.LLM.CLIPath == "" {
		cfg.LLM.CLIPath = "gemini"
	}
	if cfg.LLM.FallbackModel == "" {
		cfg.LLM.FallbackModel = "gemini-2.5-flash"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(5 * time.Minute)
	}
}

// Validate checks that all required settings are present and well-formed.
func (c *Config) Validate() error {
	if !c.Agent.APIKey.IsSet() {
		return fmt.Errorf("%w: AGENT_API_KEY", ErrMissingConfig)
	}
	if !c.LLM.APIKey.IsSet() {
		return fmt.Errorf("%w: LLM_API_KEY", ErrMissingConfig)
	}
	if !c.GitHub.Token.IsSet() {
		return fmt.Errorf("%w: GITHUB_TOKEN", ErrMissingConfig)
	}
	if c.GitHub.Repository == "" {
		return fmt.Errorf("%w: GITHUB_REPOSITORY", ErrMissingConfig)
	}
	if c.GitHub.Owner() == "" || c.GitHub.Repo() == "" {
		return fmt.Errorf("invalid GITHUB_REPOSITORY %q: expected owner/repo", c.GitHub.Repository)
	}
	if c.State.Path == "" {
		return fmt.Errorf("%w: STATE_PATH", ErrMissingConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}
