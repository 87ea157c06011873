package domain

import (
	"testing"
	"time"
)

func TestCanTransitionJobStatus(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusQueued, JobStatusFailed, true},
		{JobStatusQueued, JobStatusCancelled, true},
		{JobStatusQueued, JobStatusSucceeded, false},
		{JobStatusRunning, JobStatusSucceeded, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusCancelled, true},
		{JobStatusRunning, JobStatusQueued, false},
		{JobStatusSucceeded, JobStatusRunning, false},
		{JobStatusFailed, JobStatusQueued, false},
		{JobStatusCancelled, JobStatusRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransitionJobStatus(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransitionJobStatus(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobStatusQueued, JobStatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNormalizeJobType(t *testing.T) {
	if got := NormalizeJobType("  Scenario_Expand "); got != JobTypeScenarioExpand {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeJobType("bogus"); got != "" {
		t.Fatalf("expected empty for unknown type, got %q", got)
	}
}

func TestJobValidate(t *testing.T) {
	base := Job{
		ID:             "job-1",
		ProjectID:      "proj-1",
		Type:           JobTypeScenarioRun,
		Status:         JobStatusQueued,
		IdempotencyKey: "key-1",
		CreatedAt:      time.Now(),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	missingKey := base
	missingKey.IdempotencyKey = ""
	if err := missingKey.Validate(); err == nil {
		t.Fatal("expected error for missing idempotency key")
	}

	badProgress := base
	badProgress.ProgressPercent = 120
	if err := badProgress.Validate(); err == nil {
		t.Fatal("expected error for out-of-range progress")
	}

	overBudget := base
	overBudget.MaxRetries = 2
	overBudget.RetryCount = 3
	if err := overBudget.Validate(); err == nil {
		t.Fatal("expected error for retry count over budget")
	}
}
