package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/costlens/meter-sdk-go/provider"
)

func TestLoad_Config(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meter.yaml")
	content := `
endpoint: https://collector.example.com/
apiKeyEnv: COSTLENS_KEY
flushSize: 32
flushInterval: 2s
providers:
  - openai
  - anthropic
captureContent: true
spoolPath: /var/lib/meter/spool.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := Default()
	want.Endpoint = "https://collector.example.com"
	want.APIKeyEnv = "COSTLENS_KEY"
	want.FlushSize = 32
	want.FlushInterval = 2 * time.Second
	want.Providers = []string{"openai", "anthropic"}
	want.CaptureContent = true
	want.SpoolPath = "/var/lib/meter/spool.db"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("endpoint: [unterminated"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meter.yaml")
	content := "endpoint: https://file.example.com\nflushSize: 16\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("METER_ENDPOINT", "https://env.example.com")
	t.Setenv("METER_FLUSH_SIZE", "48")
	t.Setenv("METER_PROVIDERS", "openai, gemini")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Endpoint != "https://env.example.com" {
		t.Fatalf("env did not override endpoint: %q", cfg.Endpoint)
	}
	if cfg.FlushSize != 48 {
		t.Fatalf("env did not override flushSize: %d", cfg.FlushSize)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[1] != "gemini" {
		t.Fatalf("env provider list not applied: %#v", cfg.Providers)
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.QueueSize != 1024 || cfg.FlushSize != 64 || cfg.FlushInterval != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.AutoClassify {
		t.Fatalf("autoClassify should default on")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, true},
		{"flush larger than queue", func(c *Config) { c.FlushSize = c.QueueSize + 1 }, true},
		{"negative interval", func(c *Config) { c.FlushInterval = -time.Second }, true},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, true},
		{"both spools", func(c *Config) { c.SpoolPath = "/tmp/s.db"; c.RedisAddr = "127.0.0.1:6379" }, true},
		{"unknown provider", func(c *Config) { c.Providers = []string{"acme-llm"} }, true},
		{"known providers", func(c *Config) { c.Providers = []string{"openai", "ollama"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	cfg := Default()
	cfg.APIKey = "inline"
	if got := cfg.ResolveAPIKey(); got != "inline" {
		t.Fatalf("expected inline key, got %q", got)
	}

	cfg.APIKeyEnv = "METER_TEST_KEY"
	t.Setenv("METER_TEST_KEY", "from-env")
	if got := cfg.ResolveAPIKey(); got != "from-env" {
		t.Fatalf("expected env key, got %q", got)
	}

	t.Setenv("METER_TEST_KEY", "")
	if got := cfg.ResolveAPIKey(); got != "inline" {
		t.Fatalf("expected fallback to inline key, got %q", got)
	}
}

func TestProviderList(t *testing.T) {
	cfg := Default()
	if got := cfg.ProviderList(); len(got) != len(provider.All()) {
		t.Fatalf("empty allow-list should mean all providers, got %d", len(got))
	}
	cfg.Providers = []string{"anthropic"}
	got := cfg.ProviderList()
	if len(got) != 1 || got[0] != provider.Anthropic {
		t.Fatalf("unexpected list: %#v", got)
	}
}
