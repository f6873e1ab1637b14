package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cratedig/internal/analysis"
	"cratedig/internal/backfill"
	"cratedig/internal/jobstore"
)

func newBackfillCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill [source-id...]",
		Short: "Enqueue embedding backfill for samples missing embeddings",
		Long:  "Finds samples that have no embedding for the current model, batches them by source, and enqueues embedding-backfill jobs. Sources with backfill jobs already queued or running are left alone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := ctx.resolveSources(args)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(sources))
			var total int64
			for _, source := range sources {
				store, err := jobstore.OpenWithRetry(source.Root)
				if err != nil {
					return fmt.Errorf("open database for source %s: %w", source.ID, err)
				}
				enqueued, enqErr := backfill.EnqueueMissing(cmd.Context(), store, source.ID, analysis.ModelID)
				closeErr := store.Close()
				if enqErr != nil {
					return fmt.Errorf("enqueue backfill for source %s: %w", source.ID, enqErr)
				}
				if closeErr != nil {
					return fmt.Errorf("close database for source %s: %w", source.ID, closeErr)
				}
				total += enqueued
				rows = append(rows, []string{source.ID, strconv.FormatInt(enqueued, 10)})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(out,
				[]string{"Source", "Jobs Enqueued"},
				rows,
				[]columnAlignment{alignLeft, alignRight}))
			if total > 0 {
				fmt.Fprintln(out, "Run `cratedig daemon` if it is not already running.")
			} else {
				fmt.Fprintln(out, "Nothing to backfill.")
			}
			return nil
		},
	}
}
