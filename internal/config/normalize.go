package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAnalysis()
	c.normalizeScanner()
	c.normalizeDaemon()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SourcesPath) == "" {
		c.Paths.SourcesPath = defaultSourcesPath
	}
	if c.Paths.SourcesPath, err = expandPath(c.Paths.SourcesPath); err != nil {
		return fmt.Errorf("paths.sources_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeAnalysis() {
	if c.Analysis.Workers < 0 {
		c.Analysis.Workers = 0
	}
	if c.Analysis.DecodeWorkers < 0 {
		c.Analysis.DecodeWorkers = 0
	}
	if c.Analysis.ClaimBatch <= 0 {
		c.Analysis.ClaimBatch = defaultClaimBatch
	}
	if c.Analysis.BatchMax <= 0 {
		c.Analysis.BatchMax = defaultBatchMax
	}
	if c.Analysis.DecodeQueueTarget < 0 {
		c.Analysis.DecodeQueueTarget = 0
	}
	if c.Analysis.MaxAttempts <= 0 {
		c.Analysis.MaxAttempts = defaultMaxAttempts
	}
	if c.Analysis.MaxDurationSeconds <= 0 {
		c.Analysis.MaxDurationSeconds = defaultMaxDurationSeconds
	}
	if c.Analysis.SampleRate <= 0 {
		c.Analysis.SampleRate = defaultSampleRate
	}
	if c.Analysis.HeartbeatInterval <= 0 {
		c.Analysis.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Analysis.HeartbeatTimeout <= 0 {
		c.Analysis.HeartbeatTimeout = defaultHeartbeatTimeout
	}
}

func (c *Config) normalizeScanner() {
	if len(c.Scanner.Extensions) == 0 {
		c.Scanner.Extensions = []string{".wav"}
	} else {
		exts := make([]string, 0, len(c.Scanner.Extensions))
		seen := make(map[string]struct{}, len(c.Scanner.Extensions))
		for _, ext := range c.Scanner.Extensions {
			normalized := strings.ToLower(strings.TrimSpace(ext))
			if normalized == "" {
				continue
			}
			if !strings.HasPrefix(normalized, ".") {
				normalized = "." + normalized
			}
			if _, exists := seen[normalized]; exists {
				continue
			}
			seen[normalized] = struct{}{}
			exts = append(exts, normalized)
		}
		if len(exts) == 0 {
			exts = []string{".wav"}
		}
		c.Scanner.Extensions = exts
	}
	if c.Scanner.WatchDebounceMS <= 0 {
		c.Scanner.WatchDebounceMS = defaultWatchDebounceMS
	}
	if c.Scanner.Concurrency <= 0 {
		c.Scanner.Concurrency = defaultScanConcurrency
	}
}

func (c *Config) normalizeDaemon() {
	if c.Daemon.SourceRefreshInterval <= 0 {
		c.Daemon.SourceRefreshInterval = defaultSourceRefreshSeconds
	}
	if c.Daemon.ProgressActiveMS <= 0 {
		c.Daemon.ProgressActiveMS = defaultProgressActiveMS
	}
	if c.Daemon.ProgressIdleMS <= 0 {
		c.Daemon.ProgressIdleMS = defaultProgressIdleMS
	}
	if c.Daemon.ProgressPruneInterval <= 0 {
		c.Daemon.ProgressPruneInterval = defaultProgressPruneSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
