package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"cratedig/internal/jobstore"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [source-id...]",
		Short: "Show in-flight analysis jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := ctx.resolveSources(args)
			if err != nil {
				return err
			}

			var rows [][]string
			for _, source := range sources {
				store, err := jobstore.OpenWithRetry(source.Root)
				if err != nil {
					return fmt.Errorf("open database for source %s: %w", source.ID, err)
				}
				jobs, listErr := store.CurrentRunningJobs(cmd.Context(), limit)
				closeErr := store.Close()
				if listErr != nil {
					return fmt.Errorf("list running jobs for source %s: %w", source.ID, listErr)
				}
				if closeErr != nil {
					return fmt.Errorf("close database for source %s: %w", source.ID, closeErr)
				}
				for _, job := range jobs {
					age := "-"
					if !job.RunningAt.IsZero() {
						age = time.Since(job.RunningAt).Truncate(time.Second).String()
					}
					rows = append(rows, []string{
						source.ID,
						strconv.FormatInt(job.ID, 10),
						job.SampleID,
						string(job.JobType),
						strconv.Itoa(job.Attempts),
						age,
					})
				}
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No jobs are running.")
				return nil
			}
			fmt.Fprintln(out, renderTable(out,
				[]string{"Source", "Job", "Sample", "Type", "Attempts", "Heartbeat Age"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignRight}))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to show per source")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	var jobIDs []int64

	cmd := &cobra.Command{
		Use:   "retry [source-id...]",
		Short: "Retry failed analysis jobs",
		Long:  "Moves failed jobs back to pending so the daemon picks them up again. With --job only the named job IDs are retried; otherwise every failed job in the selected sources is.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := ctx.resolveSources(args)
			if err != nil {
				return err
			}
			if len(jobIDs) > 0 && len(sources) != 1 {
				return fmt.Errorf("--job requires exactly one source-id argument")
			}

			out := cmd.OutOrStdout()
			var total int64
			for _, source := range sources {
				store, err := jobstore.OpenWithRetry(source.Root)
				if err != nil {
					return fmt.Errorf("open database for source %s: %w", source.ID, err)
				}
				retried, retryErr := store.RetryFailed(cmd.Context(), jobIDs...)
				closeErr := store.Close()
				if retryErr != nil {
					return fmt.Errorf("retry jobs for source %s: %w", source.ID, retryErr)
				}
				if closeErr != nil {
					return fmt.Errorf("close database for source %s: %w", source.ID, closeErr)
				}
				total += retried
			}

			fmt.Fprintf(out, "Requeued %d job(s)\n", total)
			if total > 0 {
				fmt.Fprintln(out, "Run `cratedig daemon` if it is not already running.")
			}
			return nil
		},
	}

	cmd.Flags().Int64SliceVar(&jobIDs, "job", nil, "Retry specific job IDs (requires a single source)")
	return cmd
}
