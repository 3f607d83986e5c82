package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/workflow"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Create and inspect workflow runs",
	}

	runsCmd.AddCommand(newRunsCreateCommand(ctx))
	runsCmd.AddCommand(newRunsListCommand(ctx))
	runsCmd.AddCommand(newRunsStatusCommand(ctx))
	runsCmd.AddCommand(newRunsApproveCommand(ctx))
	runsCmd.AddCommand(newRunsRejectCommand(ctx))

	return runsCmd
}

func newRunsCreateCommand(ctx *commandContext) *cobra.Command {
	var workflowName string
	var topic string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run and enqueue its first advance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(topic) == "" {
				return fmt.Errorf("--topic is required")
			}
			return ctx.withStores(func(s *stores) error {
				run, err := s.engine().CreateRun(cmd.Context(), workflowName, topic)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created run %s (%s)\n", run.ID, run.WorkflowName)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&workflowName, "workflow", "", "Workflow name (defaults to video.publish)")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic the run produces content for")
	return cmd
}

func newRunsListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				var statuses []workflow.Status
				if strings.TrimSpace(statusFilter) != "" {
					statuses = append(statuses, workflow.Status(statusFilter))
				}
				runs, err := s.runs.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs")
					return nil
				}

				colorize := shouldColorize(cmd.OutOrStdout())
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					rows = append(rows, []string{
						run.ID,
						run.WorkflowName,
						colorizeRunStatus(run.Status, colorize),
						run.CurrentStep,
						run.UpdatedAt.Local().Format(time.DateTime),
					})
				}
				table := renderTable(
					[]string{"ID", "Workflow", "Status", "Step", "Updated"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Only show runs with this status")
	return cmd
}

func newRunsStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "status <run-id>",
		Aliases: []string{"show"},
		Short:   "Show a run's status, step, and artifacts",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				run, err := s.runs.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				fmt.Fprintf(out, "Run:      %s\n", run.ID)
				fmt.Fprintf(out, "Workflow: %s\n", run.WorkflowName)
				fmt.Fprintf(out, "Status:   %s\n", colorizeRunStatus(run.Status, colorize))
				if run.CurrentStep != "" {
					fmt.Fprintf(out, "Step:     %s\n", run.CurrentStep)
				}
				if gate := workflow.AwaitedGate(run.Status); gate != "" {
					kind := "task completion"
					if gate.Approval() {
						kind = "approval"
					}
					fmt.Fprintf(out, "Waiting:  %s gate (%s)\n", gate, kind)
				}
				if run.ErrorMessage != "" {
					fmt.Fprintf(out, "Error:    %s\n", run.ErrorMessage)
				}

				artifacts := run.State.Artifacts()
				if len(artifacts) > 0 {
					keys := make([]string, 0, len(artifacts))
					for key := range artifacts {
						keys = append(keys, key)
					}
					sort.Strings(keys)
					fmt.Fprintln(out, "Artifacts:")
					for _, key := range keys {
						fmt.Fprintf(out, "  %s: %s\n", key, artifacts[key])
					}
				}
				return nil
			})
		},
	}
}

func newRunsApproveCommand(ctx *commandContext) *cobra.Command {
	return newGateDecisionCommand(ctx, "approve", "Approve a run waiting at an approval gate", true)
}

func newRunsRejectCommand(ctx *commandContext) *cobra.Command {
	return newGateDecisionCommand(ctx, "reject", "Reject a run waiting at an approval gate", false)
}

func newGateDecisionCommand(ctx *commandContext, verb, short string, approved bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <run-id> <gate>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, gateName := args[0], args[1]
			if !workflow.ValidGate(gateName) {
				return fmt.Errorf("unknown gate %q", gateName)
			}
			gate := workflow.Gate(gateName)
			if !gate.Approval() {
				return fmt.Errorf("gate %s is completed by its external task, not a decision", gate)
			}
			return ctx.withStores(func(s *stores) error {
				decision := workflow.Decision{Approved: &approved}
				result, err := s.engine().Resume(cmd.Context(), runID, gate, decision)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s is now %s\n", runID, result.Run.Status)
				return nil
			})
		},
	}
}
