// Runtime configuration: retries, cache, storage, run limits, hosted tools
// and the price list source.
package config

import (
	"fmt"
	"time"

	"github.com/workflowai/inference-gateway/internal/adapters"
	"github.com/workflowai/inference-gateway/internal/tools"
)

// Backend names shared by the cache and storage sections.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// RetryConfig bounds upstream retries on rate limits and unavailability.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Validate checks retry bounds.
func (r RetryConfig) Validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return fmt.Errorf("retry.base_delay must not exceed retry.max_delay")
	}
	return nil
}

// Dispatcher converts the section; an empty section uses the defaults.
func (r RetryConfig) Dispatcher() adapters.RetryConfig {
	if r == (RetryConfig{}) {
		return adapters.DefaultRetryConfig
	}
	return adapters.RetryConfig{MaxRetries: r.MaxRetries, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}

// CacheConfig selects the run cache backend.
type CacheConfig struct {
	Backend string        `yaml:"backend"` // memory or sqlite
	TTL     time.Duration `yaml:"ttl"`
	// Path of the sqlite file; empty shares storage.path.
	Path string `yaml:"path"`
}

// Validate checks the cache section.
func (c CacheConfig) Validate() error {
	if err := validBackend("cache.backend", c.Backend); err != nil {
		return err
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache.ttl is required")
	}
	return nil
}

// StorageConfig selects where versions, deployments and runs live.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory or sqlite
	Path    string `yaml:"path"`
}

// Validate checks the storage section.
func (s StorageConfig) Validate() error {
	if err := validBackend("storage.backend", s.Backend); err != nil {
		return err
	}
	if s.Backend == BackendSQLite && s.Path == "" {
		return fmt.Errorf("storage.path is required for the sqlite backend")
	}
	return nil
}

func validBackend(field, v string) error {
	switch v {
	case BackendMemory, BackendSQLite:
		return nil
	case "":
		return fmt.Errorf("%s is required", field)
	}
	return fmt.Errorf("invalid %s: %q (expected memory or sqlite)", field, v)
}

// RunsConfig bounds individual runs.
type RunsConfig struct {
	MaxDuration   time.Duration `yaml:"max_duration"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
}

// Validate checks run limits.
func (r RunsConfig) Validate() error {
	if r.MaxDuration < 0 {
		return fmt.Errorf("runs.max_duration must not be negative")
	}
	if r.MaxToolRounds < 0 {
		return fmt.Errorf("runs.max_tool_rounds must not be negative")
	}
	return nil
}

// ToolsConfig configures hosted tool backends. A tool is registered only
// when its section is enabled.
type ToolsConfig struct {
	Search  SearchToolConfig  `yaml:"search"`
	Browser BrowserToolConfig `yaml:"browser"`
}

// SearchToolConfig configures @search-google.
type SearchToolConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
}

// BrowserToolConfig configures @browser-text.
type BrowserToolConfig struct {
	Enabled   bool          `yaml:"enabled"`
	ReaderURL string        `yaml:"reader_url"`
	APIKey    string        `yaml:"api_key"`
	MaxChars  int           `yaml:"max_chars"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Executors builds the enabled hosted tools.
func (t ToolsConfig) Executors() []tools.Executor {
	var out []tools.Executor
	if t.Search.Enabled {
		out = append(out, tools.NewSearchExecutor(tools.SearchConfig{
			BaseURL:    t.Search.BaseURL,
			APIKey:     t.Search.APIKey,
			MaxResults: t.Search.MaxResults,
			Timeout:    t.Search.Timeout,
		}))
	}
	if t.Browser.Enabled {
		out = append(out, tools.NewBrowserExecutor(tools.BrowserConfig{
			ReaderURL: t.Browser.ReaderURL,
			APIKey:    t.Browser.APIKey,
			MaxChars:  t.Browser.MaxChars,
			Timeout:   t.Browser.Timeout,
		}))
	}
	return out
}

// PricingConfig points at an external price list. Without a source the
// catalog prices are used alone.
type PricingConfig struct {
	File            string        `yaml:"file"`
	URL             string        `yaml:"url"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Validate checks the pricing section.
func (p PricingConfig) Validate() error {
	if p.File != "" && p.URL != "" {
		return fmt.Errorf("pricing: set file or url, not both")
	}
	if p.RefreshInterval < 0 {
		return fmt.Errorf("pricing.refresh_interval must not be negative")
	}
	return nil
}
