package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Queue contains job ledger tuning: retry limits, lease durations, and the
// polling cadence of worker loops.
type Queue struct {
	MaxAttempts        int `toml:"max_attempts"`
	LeaseSeconds       int `toml:"lease_seconds"`
	PollInterval       int `toml:"poll_interval"`
	ReapInterval       int `toml:"reap_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	BackoffBaseSeconds int `toml:"backoff_base_seconds"`
	BackoffCapSeconds  int `toml:"backoff_cap_seconds"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
}

// Workers contains worker pool sizing for serve mode.
type Workers struct {
	Count int `toml:"count"`
}

// Webhooks contains the shared secrets used to verify inbound provider
// signatures. A provider without a secret is rejected at ingestion.
type Webhooks struct {
	RenderSecret  string `toml:"render_secret"`
	PublishSecret string `toml:"publish_secret"`
}

// Services contains endpoints for the external render and publish
// collaborators. Only their task ids and completion signals matter here.
type Services struct {
	RenderURL        string `toml:"render_url"`
	PublishURL       string `toml:"publish_url"`
	RequestTimeout   int    `toml:"request_timeout"`
	TaskPollInterval int    `toml:"task_poll_interval"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Loom.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories, API bind address and token
//   - Queue: job retry, lease, and polling cadence
//   - Workers: worker pool sizing
//   - Webhooks: provider signature secrets
//   - Services: render/publish collaborator endpoints
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Queue    Queue    `toml:"queue"`
	Workers  Workers  `toml:"workers"`
	Webhooks Webhooks `toml:"webhooks"`
	Services Services `toml:"services"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all paths expanded. A missing file falls back to defaults so
// that fresh installs work without a config init step.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", err
	}

	used := ""
	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		switch {
		case readErr == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, "", fmt.Errorf("parse config %s: %w", resolved, err)
			}
			used = resolved
		case errors.Is(readErr, fs.ErrNotExist) && path == "":
			// Default location absent: run on defaults.
		default:
			return nil, "", fmt.Errorf("read config %s: %w", resolved, readErr)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.expandPaths(); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return &cfg, used, nil
}

func resolveConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		return expandPath(path)
	}
	return DefaultConfigPath()
}

func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("LOOM_API_TOKEN"); token != "" {
		cfg.Paths.APIToken = token
	}
	if secret := os.Getenv("LOOM_RENDER_WEBHOOK_SECRET"); secret != "" {
		cfg.Webhooks.RenderSecret = secret
	}
	if secret := os.Getenv("LOOM_PUBLISH_WEBHOOK_SECRET"); secret != "" {
		cfg.Webhooks.PublishSecret = secret
	}
}

func (c *Config) expandPaths() error {
	expanded, err := expandPath(c.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("expand data_dir: %w", err)
	}
	c.Paths.DataDir = expanded

	expanded, err = expandPath(c.Paths.LogDir)
	if err != nil {
		return fmt.Errorf("expand log_dir: %w", err)
	}
	c.Paths.LogDir = expanded
	return nil
}

// EnsureDirectories creates the directories the engine writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the SQLite ledger.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "loom.db")
}

// WriteSample writes the annotated sample configuration to path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", trimmed, err)
	}
	return abs, nil
}
