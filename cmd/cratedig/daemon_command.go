package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cratedig/internal/daemon"
	"cratedig/internal/logging"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var foregroundLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the analysis daemon",
		Long:  "Runs the scanner, watchers, and analysis worker pools in the foreground until interrupted. Only one daemon may run per machine; a second invocation exits immediately.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			level := cfg.Logging.Level
			if foregroundLevel != "" {
				level = foregroundLevel
			}
			logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("cratedig-%s.log", time.Now().Format("20060102-150405")))
			logger, err := logging.New(logging.Options{
				Level:       level,
				Format:      cfg.Logging.Format,
				OutputPaths: []string{"stdout", logPath},
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}

			logger.Info("daemon starting", logging.String("log_file", logPath))
			return d.Run(runCtx)
		},
	}

	cmd.Flags().StringVar(&foregroundLevel, "log-level", "", "Override the configured log level")
	return cmd
}
