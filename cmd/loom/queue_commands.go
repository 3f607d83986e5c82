package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job ledger",
	}

	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueHealthCommand(ctx))

	return queueCmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"stats"},
		Short:   "Show job counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				stats, err := s.jobs.Stats(cmd.Context())
				if err != nil {
					return err
				}

				colorize := shouldColorize(cmd.OutOrStdout())
				rows := make([][]string, 0, len(stats))
				total := 0
				for _, status := range queue.AllStatuses() {
					count, ok := stats[status]
					if !ok {
						continue
					}
					total += count
					rows = append(rows, []string{
						colorizeJobStatus(status, colorize),
						strconv.Itoa(count),
					})
				}
				if total == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows = append(rows, []string{"Total", strconv.Itoa(total)})
				table := renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []queue.Status
			for _, value := range listStatuses {
				if !queue.ValidStatus(value) {
					return fmt.Errorf("unknown status %q", value)
				}
				statuses = append(statuses, queue.Status(value))
			}
			return ctx.withStores(func(s *stores) error {
				jobs, err := s.jobs.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}

				colorize := shouldColorize(cmd.OutOrStdout())
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					attempts := fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts)
					rows = append(rows, []string{
						job.ID,
						job.Type,
						colorizeJobStatus(job.Status, colorize),
						attempts,
						job.RunID,
						job.AvailableAt.Local().Format(time.DateTime),
					})
				}
				table := renderTable(
					[]string{"ID", "Type", "Status", "Attempts", "Run", "Available"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Only show jobs with these statuses")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [job-id ...]",
		Short: "Requeue failed and dead jobs for another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				updated, err := s.jobs.RetryTerminal(cmd.Context(), args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d job(s)\n", updated)
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "clear-failed",
		Aliases: []string{"clear"},
		Short:   "Delete terminal jobs from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				removed, err := s.jobs.ClearTerminal(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job(s)\n", removed)
				return nil
			})
		},
	}
}

func newQueueHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show ledger health summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				health, err := s.jobs.Health(cmd.Context())
				if err != nil {
					return err
				}

				rows := [][]string{
					{"Total", strconv.Itoa(health.Total)},
					{"Pending", strconv.Itoa(health.Pending)},
					{"Claimed", strconv.Itoa(health.Claimed)},
					{"Succeeded", strconv.Itoa(health.Succeeded)},
					{"Failed", strconv.Itoa(health.Failed)},
					{"Dead", strconv.Itoa(health.Dead)},
				}
				table := renderTable([]string{"Metric", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}
