package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("expected default max_attempts 5, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Workers.Count != 2 {
		t.Fatalf("expected default worker count 2, got %d", cfg.Workers.Count)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
data_dir = "` + filepath.Join(dir, "data") + `"
log_dir = "` + filepath.Join(dir, "logs") + `"

[queue]
max_attempts = 3
lease_seconds = 45

[workers]
count = 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, used, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if used != path {
		t.Fatalf("expected used path %s, got %s", path, used)
	}
	if cfg.Queue.MaxAttempts != 3 || cfg.Queue.LeaseSeconds != 45 {
		t.Fatalf("overrides not applied: %+v", cfg.Queue)
	}
	if cfg.Workers.Count != 4 {
		t.Fatalf("worker override not applied: %d", cfg.Workers.Count)
	}
	if cfg.Queue.PollInterval != 2 {
		t.Fatalf("expected untouched default poll interval, got %d", cfg.Queue.PollInterval)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero attempts", func(c *config.Config) { c.Queue.MaxAttempts = 0 }, "max_attempts"},
		{"heartbeat too long", func(c *config.Config) { c.Queue.HeartbeatInterval = c.Queue.LeaseSeconds }, "heartbeat_interval"},
		{"cap below base", func(c *config.Config) { c.Queue.BackoffCapSeconds = 1 }, "backoff_cap_seconds"},
		{"bad format", func(c *config.Config) { c.Logging.Format = "yaml" }, "logging.format"},
		{"no workers", func(c *config.Config) { c.Workers.Count = 0 }, "workers.count"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnvOverridesToken(t *testing.T) {
	t.Setenv("LOOM_API_TOKEN", "from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.APIToken != "from-env" {
		t.Fatalf("expected env token override, got %q", cfg.Paths.APIToken)
	}
}
