package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/cupid/pkg/models"
)

// Config holds all Cupid configuration.
type Config struct {
	Client    ClientConfig          `yaml:"client"`
	RateLimit RateLimitConfig       `yaml:"rate_limit"`
	Cache     CacheConfig           `yaml:"cache"`
	Queue     QueueConfig           `yaml:"queue"`
	Retry     RetryConfig           `yaml:"retry"`
	Timeouts  TimeoutConfig         `yaml:"timeouts"`
	Usage     UsageConfig           `yaml:"usage"`
	Pricing   []models.ModelPricing `yaml:"pricing"`
	Server    ServerConfig          `yaml:"server"`
}

// ClientConfig selects how the client reaches the model.
// AuthMode is "proxy" (default) or "direct".
type ClientConfig struct {
	AuthMode    models.AuthMode `yaml:"auth_mode"`
	APIKey      string          `yaml:"api_key"`
	DirectURL   string          `yaml:"direct_url"`
	ProxyURL    string          `yaml:"proxy_url"`
	TextModel   string          `yaml:"text_model"`
	VisionModel string          `yaml:"vision_model"`
	StatePath   string          `yaml:"state_path"`
	Language    string          `yaml:"language"`
}

// RateLimitConfig sizes the client token bucket.
type RateLimitConfig struct {
	MaxTokens       float64 `yaml:"max_tokens"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// CacheConfig controls the response cache. Persist switches to the SQLite
// variant stored at DBPath.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Persist    bool          `yaml:"persist"`
	DBPath     string        `yaml:"db_path"`
}

// QueueConfig controls the offline queue.
type QueueConfig struct {
	MaxSize           int `yaml:"max_size"`
	MaxReplayAttempts int `yaml:"max_replay_attempts"`
}

// RetryConfig controls backoff. ImageMaxRetries applies to vision calls.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	ImageMaxRetries int           `yaml:"image_max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
}

// TimeoutConfig sets the per-attempt deadlines.
type TimeoutConfig struct {
	Text  time.Duration `yaml:"text"`
	Image time.Duration `yaml:"image"`
}

// UsageConfig sizes the usage ring buffer.
type UsageConfig struct {
	Capacity int `yaml:"capacity"`
}

// ServerConfig configures the first-party proxy service.
type ServerConfig struct {
	Listen         string              `yaml:"listen"`
	DBPath         string              `yaml:"db_path"`
	UpstreamURL    string              `yaml:"upstream_url"`
	UpstreamAPIKey string              `yaml:"upstream_api_key"`
	DefaultTier    string              `yaml:"default_tier"`
	Tiers          []models.TierPolicy `yaml:"tiers"`
	RequestsPerSec float64             `yaml:"requests_per_second"`
	Burst          int                 `yaml:"burst"`
}

// Tier returns the policy for name.
func (s ServerConfig) Tier(name string) (models.TierPolicy, bool) {
	for _, t := range s.Tiers {
		if t.Tier == name {
			return t, true
		}
	}
	return models.TierPolicy{}, false
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			AuthMode:    models.AuthProxy,
			DirectURL:   "https://api.openai.com/v1",
			ProxyURL:    "http://localhost:8090",
			TextModel:   "gpt-4o-mini",
			VisionModel: "gpt-4o",
			StatePath:   "cupid.db",
			Language:    "en",
		},
		RateLimit: RateLimitConfig{
			MaxTokens:       10,
			RefillPerSecond: 0.5,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        5 * time.Minute,
			MaxEntries: 100,
			DBPath:     "cupid-cache.db",
		},
		Queue: QueueConfig{
			MaxSize:           50,
			MaxReplayAttempts: 3,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			ImageMaxRetries: 2,
			BaseDelay:       time.Second,
			MaxDelay:        10 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Text:  30 * time.Second,
			Image: 60 * time.Second,
		},
		Usage: UsageConfig{
			Capacity: 1000,
		},
		Pricing: []models.ModelPricing{
			{Model: "gpt-4o-mini", PromptCost: 0.00015, CompletionCost: 0.0006},
			{Model: "gpt-4o", PromptCost: 0.0025, CompletionCost: 0.01},
		},
		Server: ServerConfig{
			Listen:      ":8090",
			DBPath:      "cupid-proxy.db",
			UpstreamURL: "https://api.openai.com/v1",
			DefaultTier: "free",
			Tiers: []models.TierPolicy{
				{Tier: "free", MaxRequests: 20, Period: models.BudgetDaily},
				{Tier: "premium", MaxRequests: 500, Period: models.BudgetDaily},
			},
			RequestsPerSec: 1,
			Burst:          5,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Client.AuthMode {
	case models.AuthProxy, models.AuthDirect:
	default:
		errs = append(errs, fmt.Errorf("client.auth_mode: unknown mode %q", c.Client.AuthMode))
	}
	if c.RateLimit.MaxTokens < 1 {
		errs = append(errs, errors.New("rate_limit.max_tokens must be at least 1"))
	}
	if c.RateLimit.RefillPerSecond <= 0 {
		errs = append(errs, errors.New("rate_limit.refill_per_second must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, errors.New("cache.max_entries must be positive"))
	}
	if c.Queue.MaxSize <= 0 {
		errs = append(errs, errors.New("queue.max_size must be positive"))
	}
	if c.Queue.MaxReplayAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_replay_attempts must be positive"))
	}
	if c.Retry.MaxRetries < 0 || c.Retry.ImageMaxRetries < 0 {
		errs = append(errs, errors.New("retry: max retries cannot be negative"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry: need 0 < base_delay <= max_delay"))
	}
	if c.Timeouts.Text <= 0 || c.Timeouts.Image <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.Usage.Capacity <= 0 {
		errs = append(errs, errors.New("usage.capacity must be positive"))
	}
	if _, ok := c.Server.Tier(c.Server.DefaultTier); !ok {
		errs = append(errs, fmt.Errorf("server.default_tier %q has no tier policy", c.Server.DefaultTier))
	}
	return errors.Join(errs...)
}
