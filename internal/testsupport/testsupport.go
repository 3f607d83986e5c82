// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
	"loom/internal/queue"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithMaxAttempts overrides the queue retry budget on the test config.
func WithMaxAttempts(n int) ConfigOption {
	return func(c *config.Config) {
		c.Queue.MaxAttempts = n
	}
}

// WithWebhookSecrets sets both provider secrets on the test config.
func WithWebhookSecrets(render, publish string) ConfigOption {
	return func(c *config.Config) {
		c.Webhooks.RenderSecret = render
		c.Webhooks.PublishSecret = publish
	}
}

// MustOpenStore opens the ledger store for cfg and closes it on test cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}
