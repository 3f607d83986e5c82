package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"loom/internal/logging"
	"loom/internal/worker"
	"loom/internal/workflow"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a standalone worker against the job ledger",
	}
	workerCmd.AddCommand(newWorkerRunCommand(ctx))
	return workerCmd
}

func newWorkerRunCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Claim and process jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()

				logger, err := logging.NewFromConfig(s.cfg)
				if err != nil {
					return fmt.Errorf("init logger: %w", err)
				}

				engine := s.engine()
				registry := worker.NewRegistry()
				workflow.RegisterHandlers(registry, engine)

				id := fmt.Sprintf("loom-cli-%d", os.Getpid())
				w := worker.New(id, s.cfg, s.jobs, registry, s.letters,
					logging.NewComponentLogger(logger, "worker"))

				if once {
					claimed, err := w.RunOnce(signalCtx)
					if err != nil {
						return err
					}
					if !claimed {
						fmt.Fprintln(cmd.OutOrStdout(), "No eligible jobs")
					}
					return nil
				}
				return w.Run(signalCtx)
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Process at most one job and exit")
	return cmd
}
