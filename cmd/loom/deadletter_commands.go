package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/logging"
)

func newDeadLetterCommand(ctx *commandContext) *cobra.Command {
	lettersCmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"webhooks"},
		Short:   "Inspect and replay captured ingestion failures",
	}

	lettersCmd.AddCommand(newDeadLetterListCommand(ctx))
	lettersCmd.AddCommand(newDeadLetterReplayCommand(ctx))

	return lettersCmd
}

func newDeadLetterListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unresolved dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(s *stores) error {
				letters, err := s.letters.ListPending(cmd.Context())
				if err != nil {
					return err
				}
				if len(letters) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending dead letters")
					return nil
				}

				rows := make([][]string, 0, len(letters))
				for _, letter := range letters {
					rows = append(rows, []string{
						strconv.FormatInt(letter.ID, 10),
						letter.Source,
						letter.RunID,
						strconv.Itoa(letter.Attempts),
						letter.CreatedAt.Local().Format(time.DateTime),
						letter.Error,
					})
				}
				table := renderTable(
					[]string{"ID", "Source", "Run", "Attempts", "Captured", "Error"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func newDeadLetterReplayCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <letter-id>",
		Short: "Re-ingest a captured delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("letter id must be numeric: %w", err)
			}
			return ctx.withStores(func(s *stores) error {
				ingestor := s.ingestor(logging.NewNop())
				if err := ingestor.Replay(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Replayed dead letter %d\n", id)
				return nil
			})
		},
	}
}
