package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cratedig/internal/jobstore"
	"cratedig/internal/logging"
	"cratedig/internal/scanner"
)

func newScanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [source-id...]",
		Short: "Scan sources and enqueue analysis jobs",
		Long:  "Walks each source directory, fingerprints audio files, and enqueues analysis jobs for new or changed samples. With no arguments every registered source is scanned.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			sources, err := ctx.resolveSources(args)
			if err != nil {
				return err
			}

			sc := scanner.New(cfg.Scanner, logging.NewNop())
			rows := make([][]string, 0, len(sources))
			for _, source := range sources {
				store, err := jobstore.OpenWithRetry(source.Root)
				if err != nil {
					return fmt.Errorf("open database for source %s: %w", source.ID, err)
				}
				result, scanErr := sc.ScanSource(cmd.Context(), store, source)
				closeErr := store.Close()
				if scanErr != nil {
					return fmt.Errorf("scan source %s: %w", source.ID, scanErr)
				}
				if closeErr != nil {
					return fmt.Errorf("close database for source %s: %w", source.ID, closeErr)
				}
				rows = append(rows, []string{
					source.ID,
					strconv.Itoa(result.Seen),
					strconv.Itoa(result.Enqueued),
					strconv.Itoa(result.Pruned),
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(out,
				[]string{"Source", "Seen", "Enqueued", "Pruned"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight}))
			fmt.Fprintln(out, "Run `cratedig daemon` to process the queued jobs.")
			return nil
		},
	}
}
