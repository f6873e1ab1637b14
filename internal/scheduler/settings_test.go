package scheduler

import (
	"testing"

	"cratedig/internal/testsupport"
)

func TestFromConfigUsesConfiguredValues(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithClaimBatch(32))

	settings := FromConfig(cfg)
	if settings.Workers != 2 || settings.DecodeWorkers != 2 {
		t.Fatalf("workers = %d/%d, want 2/2", settings.Workers, settings.DecodeWorkers)
	}
	if settings.ClaimBatch != 32 {
		t.Fatalf("claim batch = %d, want 32", settings.ClaimBatch)
	}
	wantTarget := 32 * 2
	if settings.DecodeQueueTarget != wantTarget {
		t.Fatalf("queue target = %d, want %d", settings.DecodeQueueTarget, wantTarget)
	}
}

func TestFromConfigEnvOverrides(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	t.Setenv(EnvAnalysisWorkers, "3")
	t.Setenv(EnvDecodeWorkers, "5")
	t.Setenv(EnvClaimBatch, "7")
	t.Setenv(EnvDecodeQueueTarget, "9")

	settings := FromConfig(cfg)
	if settings.Workers != 3 {
		t.Fatalf("workers = %d, want 3", settings.Workers)
	}
	if settings.DecodeWorkers != 5 {
		t.Fatalf("decode workers = %d, want 5", settings.DecodeWorkers)
	}
	if settings.ClaimBatch != 7 {
		t.Fatalf("claim batch = %d, want 7", settings.ClaimBatch)
	}
	if settings.DecodeQueueTarget != 9 {
		t.Fatalf("queue target = %d, want 9", settings.DecodeQueueTarget)
	}
}

func TestFromConfigRejectsInvalidEnv(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	t.Setenv(EnvClaimBatch, "0")
	if got := FromConfig(cfg).ClaimBatch; got != 64 {
		t.Fatalf("claim batch with %s=0 is %d, want default 64", EnvClaimBatch, got)
	}

	t.Setenv(EnvClaimBatch, "lots")
	if got := FromConfig(cfg).ClaimBatch; got != 64 {
		t.Fatalf("claim batch with %s=lots is %d, want default 64", EnvClaimBatch, got)
	}
}

func TestFromConfigQueueTargetFloor(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithAnalysisWorkers(1, 1),
		testsupport.WithClaimBatch(1))

	if got := FromConfig(cfg).DecodeQueueTarget; got != 4 {
		t.Fatalf("queue target = %d, want floor 4", got)
	}
}
