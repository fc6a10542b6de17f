// Package config loads host-facing configuration for the meter SDK.
//
// Configuration resolves in three layers: built-in defaults, an optional
// YAML file, then METER_* environment variables. A .env file next to the
// process is honored the same way the rest of the stack does it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/costlens/meter-sdk-go/internal/envutil"
	"github.com/costlens/meter-sdk-go/provider"
)

type Config struct {
	// Endpoint is the collector base URL. Required for delivery; with no
	// endpoint the SDK still captures and logs, it just cannot ship.
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent as X-API-Key. Prefer APIKeyEnv so the key never
	// lands in a config file.
	APIKey    string `yaml:"apiKey"`
	APIKeyEnv string `yaml:"apiKeyEnv"`

	QueueSize     int           `yaml:"queueSize"`
	FlushSize     int           `yaml:"flushSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	MaxAttempts   int           `yaml:"maxAttempts"`

	// Providers is the capture allow-list; empty means all known providers.
	Providers      []string `yaml:"providers"`
	CaptureUnknown bool     `yaml:"captureUnknown"`
	CaptureContent bool     `yaml:"captureContent"`

	AutoClassify     bool     `yaml:"autoClassify"`
	ClassifyPatterns []string `yaml:"classifyPatterns"`

	EstimateCharsPerToken int `yaml:"estimateCharsPerToken"`

	// SpoolPath enables the sqlite spool; RedisAddr enables the Redis
	// Streams spool instead. Setting both is a validation error.
	SpoolPath string `yaml:"spoolPath"`
	RedisAddr string `yaml:"redisAddr"`
}

func Default() Config {
	return Config{
		QueueSize:             1024,
		FlushSize:             64,
		FlushInterval:         5 * time.Second,
		MaxAttempts:           4,
		AutoClassify:          true,
		EstimateCharsPerToken: 4,
	}
}

// Load reads a YAML config file and layers env overrides on top.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q as YAML: %w", absPath, err)
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults plus METER_* environment
// variables alone, for hosts that do not carry a config file.
func FromEnv() (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Endpoint = envutil.String("METER_ENDPOINT", c.Endpoint)
	c.APIKey = envutil.String("METER_API_KEY", c.APIKey)
	c.APIKeyEnv = envutil.String("METER_API_KEY_ENV", c.APIKeyEnv)
	c.QueueSize = envutil.Int("METER_QUEUE_SIZE", c.QueueSize)
	c.FlushSize = envutil.Int("METER_FLUSH_SIZE", c.FlushSize)
	c.FlushInterval = envutil.Duration("METER_FLUSH_INTERVAL", c.FlushInterval)
	c.MaxAttempts = envutil.Int("METER_MAX_ATTEMPTS", c.MaxAttempts)
	c.CaptureUnknown = envutil.Bool("METER_CAPTURE_UNKNOWN", c.CaptureUnknown)
	c.CaptureContent = envutil.Bool("METER_CAPTURE_CONTENT", c.CaptureContent)
	c.AutoClassify = envutil.Bool("METER_AUTO_CLASSIFY", c.AutoClassify)
	c.EstimateCharsPerToken = envutil.Int("METER_ESTIMATE_CHARS_PER_TOKEN", c.EstimateCharsPerToken)
	c.SpoolPath = envutil.String("METER_SPOOL_PATH", c.SpoolPath)
	c.RedisAddr = envutil.String("METER_REDIS_ADDR", c.RedisAddr)
	if raw := envutil.String("METER_PROVIDERS", ""); raw != "" {
		c.Providers = strings.Split(raw, ",")
	}
}

func (c *Config) normalize() {
	c.Endpoint = strings.TrimSuffix(strings.TrimSpace(c.Endpoint), "/")
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.APIKeyEnv = strings.TrimSpace(c.APIKeyEnv)
	clean := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		clean = append(clean, p)
	}
	c.Providers = clean
}

func (c *Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queueSize must be positive, got %d", c.QueueSize)
	}
	if c.FlushSize <= 0 {
		return fmt.Errorf("flushSize must be positive, got %d", c.FlushSize)
	}
	if c.FlushSize > c.QueueSize {
		return fmt.Errorf("flushSize %d exceeds queueSize %d", c.FlushSize, c.QueueSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flushInterval must be positive, got %s", c.FlushInterval)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("maxAttempts must be positive, got %d", c.MaxAttempts)
	}
	if c.EstimateCharsPerToken < 0 {
		return fmt.Errorf("estimateCharsPerToken must not be negative, got %d", c.EstimateCharsPerToken)
	}
	if c.SpoolPath != "" && c.RedisAddr != "" {
		return fmt.Errorf("spoolPath and redisAddr are mutually exclusive")
	}
	for _, p := range c.Providers {
		if provider.FromString(p) == provider.Unknown {
			return fmt.Errorf("unknown provider %q in allow-list", p)
		}
	}
	return nil
}

// ResolveAPIKey returns the delivery credential, preferring the
// indirect env var when configured.
func (c *Config) ResolveAPIKey() string {
	if c.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.APIKeyEnv)); v != "" {
			return v
		}
	}
	return c.APIKey
}

// ProviderList maps the allow-list onto the provider enumeration.
// An empty allow-list means every known provider.
func (c *Config) ProviderList() []provider.Provider {
	if len(c.Providers) == 0 {
		return provider.All()
	}
	out := make([]provider.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, provider.FromString(p))
	}
	return out
}
