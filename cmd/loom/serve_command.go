package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"loom/internal/api"
	"loom/internal/daemon"
	"loom/internal/deadletter"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services/tasks"
	"loom/internal/webhook"
	"loom/internal/worker"
	"loom/internal/workflow"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Loom daemon: API server, worker pool, and lease reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			store, err := queue.Open(cfg)
			if err != nil {
				return fmt.Errorf("open job ledger: %w", err)
			}
			defer store.Close()

			runs := workflow.NewRunStore(store.DB())
			letters := deadletter.NewStore(store.DB())

			engine := workflow.NewEngine(cfg, runs, store,
				tasks.NewRenderClient(cfg), tasks.NewPublishClient(cfg), logger)

			registry := worker.NewRegistry()
			workflow.RegisterHandlers(registry, engine)

			ingestor := webhook.NewIngestor(cfg, store, letters, logging.NewComponentLogger(logger, "webhook"))
			server := api.NewServer(cfg, store, runs, engine, letters, ingestor, logging.NewComponentLogger(logger, "api"))

			workers := make([]*worker.Worker, 0, cfg.Workers.Count)
			for i := 0; i < cfg.Workers.Count; i++ {
				id := daemon.WorkerID(i)
				workers = append(workers, worker.New(id, cfg, store, registry, letters,
					logging.NewComponentLogger(logger, "worker")))
			}
			reaper := worker.NewReaper(cfg, store, logging.NewComponentLogger(logger, "reaper"))

			d, err := daemon.New(cfg, store, registry, server, workers, reaper, logger)
			if err != nil {
				return err
			}
			return d.Run(signalCtx)
		},
	}
}
