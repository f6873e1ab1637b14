package config

import "runtime"

const (
	defaultDataDir     = "~/.local/share/cratedig"
	defaultLogDir      = "~/.local/share/cratedig/logs"
	defaultSourcesPath = "~/.config/cratedig/sources.toml"
	defaultLogFormat   = "console"
	defaultLogLevel    = "info"

	defaultClaimBatch         = 64
	defaultBatchMax           = 16
	defaultMaxAttempts        = 3
	defaultMaxDurationSeconds = 900
	defaultSampleRate         = 22050
	defaultHeartbeatInterval  = 4
	defaultHeartbeatTimeout   = 60

	defaultScanConcurrency = 8
	defaultWatchDebounceMS = 500

	defaultSourceRefreshSeconds = 5
	defaultProgressActiveMS     = 500
	defaultProgressIdleMS       = 1500
	defaultProgressPruneSeconds = 10
)

// DefaultWorkers returns the analysis worker count for this host: two cores
// are left for decode and the UI, with a floor of one.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 2
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultDecodeWorkers returns the decode worker count for a given analysis
// worker count. Decode is I/O heavy, so it gets twice the analysis workers,
// capped at the core count.
func DefaultDecodeWorkers(workers int) int {
	n := 2 * workers
	if n < 2 {
		n = 2
	}
	if cores := runtime.NumCPU(); n > cores {
		n = cores
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:     defaultDataDir,
			LogDir:      defaultLogDir,
			SourcesPath: defaultSourcesPath,
		},
		Analysis: Analysis{
			Workers:            0, // resolved at startup
			DecodeWorkers:      0,
			ClaimBatch:         defaultClaimBatch,
			BatchMax:           defaultBatchMax,
			DecodeQueueTarget:  0,
			MaxAttempts:        defaultMaxAttempts,
			MaxDurationSeconds: defaultMaxDurationSeconds,
			SampleRate:         defaultSampleRate,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
		},
		Scanner: Scanner{
			Extensions:      []string{".wav"},
			Watch:           true,
			WatchDebounceMS: defaultWatchDebounceMS,
			Concurrency:     defaultScanConcurrency,
		},
		Daemon: Daemon{
			SourceRefreshInterval: defaultSourceRefreshSeconds,
			ProgressActiveMS:      defaultProgressActiveMS,
			ProgressIdleMS:        defaultProgressIdleMS,
			ProgressPruneInterval: defaultProgressPruneSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
