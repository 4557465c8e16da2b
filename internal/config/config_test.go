package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
db:
  driver: postgres
  dsn: postgres://localhost/loreforge
provider:
  base_url: https://api.example.com/v1
  api_key: provider-key
  model: small-model
  temperature: 0.2
  max_tokens: 2048
  timeout_seconds: 60
worker:
  concurrency: 6
  queue_depth: 128
crawler:
  user_agent: test-agent
  timeout_seconds: 45
  max_pages_default: 50
  max_depth_default: 3
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
  promotion_threshold: 70
events:
  buffer_size: 16
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.DB.Driver != "postgres" || cfg.DB.DSN == "" {
		t.Fatalf("expected db overrides to apply: %+v", cfg.DB)
	}
	if cfg.Provider.Model != "small-model" || cfg.Provider.Temperature != 0.2 {
		t.Fatalf("expected provider overrides to apply: %+v", cfg.Provider)
	}
	if cfg.Worker.Concurrency != 6 || cfg.Worker.QueueDepth != 128 {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if cfg.Events.BufferSize != 16 {
		t.Fatalf("expected events buffer override, got %d", cfg.Events.BufferSize)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
	if got := cfg.ProviderTimeout(); got != 60*time.Second {
		t.Fatalf("expected provider timeout 60s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DB.Driver != "memory" {
		t.Fatalf("expected memory driver default, got %q", cfg.DB.Driver)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("expected default concurrency 4, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Crawler.MaxPagesDefault != 10 || cfg.Crawler.MaxDepthDefault != 1 {
		t.Fatalf("expected crawl defaults: %+v", cfg.Crawler)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		DB:       DBConfig{Driver: "memory"},
		Provider: ProviderConfig{BaseURL: "http://localhost:11434/v1"},
		Worker:   WorkerConfig{Concurrency: 1},
		Crawler:  CrawlerConfig{TimeoutSeconds: 10},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "unknown driver",
			cfg: func() Config {
				c := base
				c.DB.Driver = "sqlite"
				return c
			}(),
			want: "db.driver",
		},
		{
			name: "postgres without dsn",
			cfg: func() Config {
				c := base
				c.DB.Driver = "postgres"
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "missing provider base url",
			cfg: func() Config {
				c := base
				c.Provider.BaseURL = ""
				return c
			}(),
			want: "provider.base_url",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Worker.Concurrency = 0
				return c
			}(),
			want: "worker.concurrency",
		},
		{
			name: "invalid fetch timeout",
			cfg: func() Config {
				c := base
				c.Crawler.TimeoutSeconds = 0
				return c
			}(),
			want: "crawler.timeout_seconds",
		},
		{
			name: "headless missing max parallel",
			cfg: func() Config {
				c := base
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
				return c
			}(),
			want: "headless.max_parallel",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
