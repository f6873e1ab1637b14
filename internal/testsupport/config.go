package testsupport

import (
	"path/filepath"
	"testing"

	"cratedig/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.SourcesPath = filepath.Join(base, "sources.toml")
	cfgVal.Analysis.Workers = 2
	cfgVal.Analysis.DecodeWorkers = 2
	cfgVal.Scanner.Watch = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithAnalysisWorkers overrides the worker counts on the test config.
func WithAnalysisWorkers(workers, decodeWorkers int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Analysis.Workers = workers
		b.cfg.Analysis.DecodeWorkers = decodeWorkers
	}
}

// WithClaimBatch overrides the claim batch size on the test config.
func WithClaimBatch(size int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Analysis.ClaimBatch = size
	}
}

// WithMaxDuration overrides the skip threshold on the test config.
func WithMaxDuration(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Analysis.MaxDurationSeconds = seconds
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
