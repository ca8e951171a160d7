package config

import (
	"fmt"
	"os"
	"time"
)

// ProviderConfig describes the remote generation API serving one job kind.
type ProviderConfig struct {
	Kind           string            `mapstructure:"-"`
	BaseURL        string            `mapstructure:"base_url"`     // Provider root URL
	BaseURLEnv     string            `mapstructure:"base_url_env"` // Environment variable holding the base URL
	APIKey         string            `mapstructure:"api_key"`
	APIKeyEnv      string            `mapstructure:"api_key_env"` // Environment variable holding the API key
	CreatePath     string            `mapstructure:"create_path"`
	StatusPath     string            `mapstructure:"status_path"`
	Stream         bool              `mapstructure:"stream"` // Creation responds with an event stream
	PollInterval   time.Duration     `mapstructure:"poll_interval"`
	Timeout        time.Duration     `mapstructure:"timeout"`      // Wall-clock ceiling per job
	MaxAttempts    int               `mapstructure:"max_attempts"` // 0 means unlimited
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	StatusAliases  map[string]string `mapstructure:"status_aliases"` // Raw provider status -> pending|running|succeeded|failed
}

func (c *ProviderConfig) applyDefaults() {
	if c.CreatePath == "" {
		c.CreatePath = "/" + c.Kind + "/create"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/" + c.Kind + "/status"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// ResolveEnvVars loads BaseURL and APIKey from the referenced environment
// variables when they are not set directly.
func (c *ProviderConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		c.APIKey = os.Getenv(c.APIKeyEnv)
	}
	if c.BaseURLEnv != "" && c.BaseURL == "" {
		c.BaseURL = os.Getenv(c.BaseURLEnv)
	}
}

// Validate returns the first problem found in the provider configuration.
func (c *ProviderConfig) Validate() error {
	if c.BaseURL == "" && c.BaseURLEnv == "" {
		return fmt.Errorf("provider %q: base_url is required", c.Kind)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("provider %q: max_attempts must not be negative", c.Kind)
	}
	for raw, status := range c.StatusAliases {
		switch status {
		case "pending", "running", "succeeded", "failed":
		default:
			return fmt.Errorf("provider %q: status alias %q maps to unknown status %q", c.Kind, raw, status)
		}
	}
	return nil
}
