package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/deadletter"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services/tasks"
	"loom/internal/webhook"
	"loom/internal/workflow"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// stores bundles the persistence handles CLI commands operate on. The queue
// store owns the database connection; runs and letters share it.
type stores struct {
	cfg     *config.Config
	jobs    *queue.Store
	runs    *workflow.RunStore
	letters *deadletter.Store
}

func (c *commandContext) withStores(fn func(*stores) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	jobs, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer jobs.Close()

	return fn(&stores{
		cfg:     cfg,
		jobs:    jobs,
		runs:    workflow.NewRunStore(jobs.DB()),
		letters: deadletter.NewStore(jobs.DB()),
	})
}

// engine builds a workflow engine over the open stores. CLI commands that
// mutate runs log quietly; the daemon owns the loud logger.
func (s *stores) engine() *workflow.Engine {
	logger := logging.NewNop()
	return workflow.NewEngine(s.cfg, s.runs, s.jobs, tasks.NewRenderClient(s.cfg), tasks.NewPublishClient(s.cfg), logger)
}

func (s *stores) ingestor(logger *slog.Logger) *webhook.Ingestor {
	return webhook.NewIngestor(s.cfg, s.jobs, s.letters, logger)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
