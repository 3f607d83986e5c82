package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable. Misconfiguration is a
// startup failure, never a per-job one.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateServices(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.Queue.LeaseSeconds < 1 {
		return errors.New("queue.lease_seconds must be at least 1")
	}
	if c.Queue.HeartbeatInterval >= c.Queue.LeaseSeconds {
		return fmt.Errorf("queue.heartbeat_interval (%d) must be shorter than queue.lease_seconds (%d)",
			c.Queue.HeartbeatInterval, c.Queue.LeaseSeconds)
	}
	if c.Queue.BackoffBaseSeconds < 1 {
		return errors.New("queue.backoff_base_seconds must be at least 1")
	}
	if c.Queue.BackoffCapSeconds < c.Queue.BackoffBaseSeconds {
		return errors.New("queue.backoff_cap_seconds must be at least queue.backoff_base_seconds")
	}
	if c.Queue.PollInterval < 1 {
		return errors.New("queue.poll_interval must be at least 1")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Count < 1 {
		return errors.New("workers.count must be at least 1")
	}
	return nil
}

func (c *Config) validateServices() error {
	if c.Services.RequestTimeout < 1 {
		return errors.New("services.request_timeout must be at least 1")
	}
	if c.Services.TaskPollInterval < 1 {
		return errors.New("services.task_poll_interval must be at least 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
