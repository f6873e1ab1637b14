// Package scheduler runs the analysis pipeline: it claims pending jobs
// from every registered source, decodes them on one worker pool, analyzes
// them on another, and keeps progress counts fresh for status surfaces.
package scheduler

import (
	"os"
	"strconv"
	"time"

	"cratedig/internal/config"
)

// Environment overrides for pipeline sizing. Each knob accepts a positive
// integer; anything else falls back to the configured value.
const (
	EnvAnalysisWorkers   = "CRATEDIG_ANALYSIS_WORKERS"
	EnvDecodeWorkers     = "CRATEDIG_DECODE_WORKERS"
	EnvClaimBatch        = "CRATEDIG_ANALYSIS_CLAIM_BATCH"
	EnvDecodeQueueTarget = "CRATEDIG_DECODE_QUEUE_TARGET"
)

// Settings is the resolved pipeline tuning after config defaults and
// environment overrides.
type Settings struct {
	Workers           int
	DecodeWorkers     int
	ClaimBatch        int
	BatchMax          int
	DecodeQueueTarget int
	MaxAttempts       int
	MaxDuration       time.Duration
	SampleRate        int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	SourceRefresh  time.Duration
	ProgressActive time.Duration
	ProgressIdle   time.Duration
	ProgressPrune  time.Duration
}

// FromConfig resolves settings from a validated config plus the
// environment.
func FromConfig(cfg *config.Config) Settings {
	workers := envInt(EnvAnalysisWorkers, cfg.Analysis.Workers)
	if workers < 1 {
		workers = config.DefaultWorkers()
	}
	decodeWorkers := envInt(EnvDecodeWorkers, cfg.Analysis.DecodeWorkers)
	if decodeWorkers < 1 {
		decodeWorkers = config.DefaultDecodeWorkers(workers)
	}
	claimBatch := envInt(EnvClaimBatch, cfg.Analysis.ClaimBatch)

	queueTarget := envInt(EnvDecodeQueueTarget, cfg.Analysis.DecodeQueueTarget)
	if queueTarget < 1 {
		queueTarget = claimBatch * decodeWorkers
		if queueTarget < 4 {
			queueTarget = 4
		}
	}

	return Settings{
		Workers:           workers,
		DecodeWorkers:     decodeWorkers,
		ClaimBatch:        claimBatch,
		BatchMax:          cfg.Analysis.BatchMax,
		DecodeQueueTarget: queueTarget,
		MaxAttempts:       cfg.Analysis.MaxAttempts,
		MaxDuration:       time.Duration(cfg.Analysis.MaxDurationSeconds) * time.Second,
		SampleRate:        cfg.Analysis.SampleRate,
		HeartbeatInterval: time.Duration(cfg.Analysis.HeartbeatInterval) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Analysis.HeartbeatTimeout) * time.Second,
		SourceRefresh:     time.Duration(cfg.Daemon.SourceRefreshInterval) * time.Second,
		ProgressActive:    time.Duration(cfg.Daemon.ProgressActiveMS) * time.Millisecond,
		ProgressIdle:      time.Duration(cfg.Daemon.ProgressIdleMS) * time.Millisecond,
		ProgressPrune:     time.Duration(cfg.Daemon.ProgressPruneInterval) * time.Second,
	}
}

// envInt reads a positive integer override, returning fallback when the
// variable is unset, non-numeric, or not positive.
func envInt(name string, fallback int) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
