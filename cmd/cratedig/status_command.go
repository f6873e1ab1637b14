package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cratedig/internal/jobstore"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [source-id...]",
		Short: "Show per-source analysis progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := ctx.resolveSources(args)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(sources))
			for _, source := range sources {
				store, err := jobstore.OpenWithRetry(source.Root)
				if err != nil {
					return fmt.Errorf("open database for source %s: %w", source.ID, err)
				}
				progress, progErr := store.CurrentProgress(cmd.Context())
				indexed, idxErr := store.IndexEntryCount(cmd.Context())
				closeErr := store.Close()
				if progErr != nil {
					return fmt.Errorf("read progress for source %s: %w", source.ID, progErr)
				}
				if idxErr != nil {
					return fmt.Errorf("count index entries for source %s: %w", source.ID, idxErr)
				}
				if closeErr != nil {
					return fmt.Errorf("close database for source %s: %w", source.ID, closeErr)
				}

				state := "idle"
				if progress.Active() {
					state = "working"
				}
				rows = append(rows, []string{
					source.ID,
					state,
					strconv.Itoa(progress.Pending),
					strconv.Itoa(progress.Running),
					strconv.Itoa(progress.Done),
					strconv.Itoa(progress.Failed),
					strconv.Itoa(progress.SamplesActive),
					strconv.Itoa(indexed),
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(out,
				[]string{"Source", "State", "Pending", "Running", "Done", "Failed", "Queued Samples", "Indexed"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight}))
			return nil
		},
	}
}
