// Package config loads and validates the gateway configuration.
//
// DESIGN: Configuration comes from one YAML file with ${VAR:-default}
// expansion, so secrets stay in the environment (or a .env file loaded by
// cmd). Validate rejects incomplete files up front instead of failing on the
// first request.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - providers.go:  Provider credentials, model catalog, pricing entries
//   - runtime.go:    Retry, cache, storage, runs, tools and pricing source
//   - monitoring.go: Logging, telemetry and OpenTelemetry settings
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the inference gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Providers  ProvidersConfig  `yaml:"providers"`  // LLM provider credentials
	Models     []ModelConfig    `yaml:"models"`     // Model catalog
	Retry      RetryConfig      `yaml:"retry"`      // Upstream retry policy
	Cache      CacheConfig      `yaml:"cache"`      // Run cache backend
	Storage    StorageConfig    `yaml:"storage"`    // Versions and runs
	Runs       RunsConfig       `yaml:"runs"`       // Per-run limits
	Tools      ToolsConfig      `yaml:"tools"`      // Hosted tool backends
	Pricing    PricingConfig    `yaml:"pricing"`    // Price list source
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging and telemetry
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // Port to listen on
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Max time to read request
	WriteTimeout time.Duration `yaml:"write_timeout"` // Max time to write a non-streaming response
	// MaxBodyBytes bounds request bodies (inline files are base64).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// ShutdownTimeout bounds draining in-flight runs on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is requests per second per client IP; 0 disables it.
	RateLimit int `yaml:"rate_limit"`
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands ${VAR} and ${VAR:-default}.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets deployments redirect files without editing the config.
func (c *Config) applyEnvOverrides() {
	if envPath := os.Getenv("GATEWAY_TELEMETRY_LOG"); envPath != "" {
		c.Monitoring.TelemetryPath = envPath
		c.Monitoring.TelemetryEnabled = true
	}
	if dsn := os.Getenv("GATEWAY_DATABASE_PATH"); dsn != "" {
		c.Storage.Path = dsn
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout == 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout == 0 {
		return fmt.Errorf("server.write_timeout is required")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}

	return errors.Join(
		c.Providers.Validate(),
		c.validateModels(),
		c.Retry.Validate(),
		c.Cache.Validate(),
		c.Storage.Validate(),
		c.Runs.Validate(),
		c.Pricing.Validate(),
		c.Monitoring.Validate(),
	)
}
