// ABOUTME: YAML configuration with environment expansion and validation
// ABOUTME: Collects server, storage, auth, model, lesson, and tuning settings

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Model    ModelConfig    `yaml:"model"`
	Lessons  LessonsConfig  `yaml:"lessons"`
	Bindings BindingsConfig `yaml:"bindings"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// TokenSecret signs and verifies management API tokens.
	TokenSecret string `yaml:"token_secret"`
	// CallbackSecret authenticates the external platform's webhook calls.
	CallbackSecret string `yaml:"callback_secret"`
}

type ModelConfig struct {
	BaseURL   string   `yaml:"base_url"`
	APIKey    string   `yaml:"api_key"`
	Name      string   `yaml:"name"`
	MaxTokens int      `yaml:"max_tokens"`
	Timeout   Duration `yaml:"timeout"`
	// BasePrompt is the standing persona instruction for every session.
	BasePrompt string `yaml:"base_prompt"`
}

type LessonsConfig struct {
	// Dir holds TOML lesson files seeded at startup. Empty disables
	// seeding.
	Dir string `yaml:"dir"`
}

type BindingsConfig struct {
	TTL             Duration `yaml:"ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	ResolveAttempts int      `yaml:"resolve_attempts"`
	ResolveBackoff  Duration `yaml:"resolve_backoff"`
}

type DedupeConfig struct {
	TTL        Duration `yaml:"ttl"`
	MaxEntries int      `yaml:"max_entries"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Duration wraps time.Duration for yaml strings like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads the config file at path, expands ${VAR} references from the
// environment, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with sensible defaults for everything that has
// one. Secrets and the model API key have no defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "tutor-gateway.db",
		},
		Model: ModelConfig{
			Name:      "claude-sonnet-4-5",
			MaxTokens: 1024,
			Timeout:   Duration(60 * time.Second),
			BasePrompt: "You are a warm, patient personal tutor speaking with a learner. " +
				"Keep replies conversational and suitable for being read aloud.",
		},
		Bindings: BindingsConfig{
			TTL:             Duration(24 * time.Hour),
			CleanupInterval: Duration(time.Hour),
			ResolveAttempts: 3,
			ResolveBackoff:  Duration(100 * time.Millisecond),
		},
		Dedupe: DedupeConfig{
			TTL:        Duration(10 * time.Minute),
			MaxEntries: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if c.Auth.CallbackSecret == "" {
		return fmt.Errorf("auth.callback_secret is required")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("model.api_key is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
