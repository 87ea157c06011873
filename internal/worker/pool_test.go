package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/executor"
	"github.com/foresight-labs/foresight-go/internal/planner"
	"github.com/foresight-labs/foresight-go/internal/platform/auditlog"
	"github.com/foresight-labs/foresight-go/internal/platform/objectstore"
	"github.com/foresight-labs/foresight-go/internal/repo"
	"github.com/foresight-labs/foresight-go/internal/repo/memory"
	"github.com/foresight-labs/foresight-go/internal/service/jobs"
)

func newJobService(t *testing.T) *jobs.Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	svc := jobs.New(store, store, objectstore.NewMemoryPayloadStore(), auditlog.NopAppender{}, logger)
	if svc == nil {
		t.Fatal("job service construction failed")
	}
	return svc
}

func submitAndClaim(t *testing.T, svc *jobs.Service, jobType domain.JobType, payload domain.Metadata) domain.Job {
	t.Helper()
	ctx := context.Background()
	_, _, err := svc.Submit(ctx, jobs.Identity{}, jobs.SubmitInput{
		ProjectID:      "proj-1",
		Type:           jobType,
		IdempotencyKey: jobs.IdempotencyKey("entity-1", jobType, "v1"),
		Payload:        payload,
		MaxRetries:     3,
		StagesTotal:    1,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := svc.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return claimed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessCompletesJob(t *testing.T) {
	svc := newJobService(t)
	ctx := context.Background()
	handlers := Handlers{
		Summarization: func(ctx context.Context, job domain.Job) ([]jobs.ArtifactInput, error) {
			return []jobs.ArtifactInput{{
				Name:        "summary.json",
				ContentType: "application/json",
				Payload:     []byte(`{"ok":true}`),
			}}, nil
		},
	}
	pool := NewPool(Config{}, svc, handlers, testLogger())
	job := submitAndClaim(t, svc, domain.JobTypeSummarization, nil)

	pool.process(ctx, testLogger(), job)

	got, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s", got.Status)
	}
	artifacts, err := svc.ListArtifacts(ctx, repo.ArtifactFilter{JobID: job.ID})
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Name != "summary.json" {
		t.Fatalf("artifacts = %+v", artifacts)
	}
}

func TestProcessFailsJobOnHandlerError(t *testing.T) {
	svc := newJobService(t)
	ctx := context.Background()
	handlers := Handlers{
		ScenarioRun: func(ctx context.Context, job domain.Job) ([]jobs.ArtifactInput, error) {
			return nil, executor.NewSimulationError("call", "simulator down", "corr-2", true)
		},
	}
	pool := NewPool(Config{}, svc, handlers, testLogger())
	job := submitAndClaim(t, svc, domain.JobTypeScenarioRun, domain.Metadata{"node_id": "n1"})

	pool.process(ctx, testLogger(), job)

	got, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "simulator down") {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
}

func TestProcessHandlerPanicFailsJobNotWorker(t *testing.T) {
	svc := newJobService(t)
	ctx := context.Background()
	handlers := Handlers{
		BlueprintBuild: func(ctx context.Context, job domain.Job) ([]jobs.ArtifactInput, error) {
			panic("unexpected nil blueprint")
		},
	}
	pool := NewPool(Config{}, svc, handlers, testLogger())
	job := submitAndClaim(t, svc, domain.JobTypeBlueprintBuild, nil)

	pool.process(ctx, testLogger(), job)

	got, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "handler panic") {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
}

func TestProcessUnconfiguredTypeFailsJob(t *testing.T) {
	svc := newJobService(t)
	ctx := context.Background()
	pool := NewPool(Config{}, svc, Handlers{}, testLogger())
	job := submitAndClaim(t, svc, domain.JobTypeGoalAnalysis, nil)

	pool.process(ctx, testLogger(), job)

	got, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "no handler configured") {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	svc := newJobService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i, key := range []string{"k1", "k2", "k3"} {
		_, _, err := svc.Submit(ctx, jobs.Identity{}, jobs.SubmitInput{
			ProjectID:      "proj-1",
			Type:           domain.JobTypeSummarization,
			IdempotencyKey: key,
			StagesTotal:    1,
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	handlers := Handlers{
		Summarization: func(ctx context.Context, job domain.Job) ([]jobs.ArtifactInput, error) {
			return nil, nil
		},
	}
	pool := NewPool(Config{Workers: 2, PollInterval: 5 * time.Millisecond}, svc, handlers, testLogger())

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		active, err := svc.ListActive(ctx, "proj-1")
		if err != nil {
			t.Fatalf("list active: %v", err)
		}
		if len(active) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("queue not drained, %d jobs still active", len(active))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}

func TestClassifyRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable external", executor.NewGenerationError("call", "overloaded", "", true), true},
		{"permanent external", executor.NewGenerationError("call", "bad request", "", false), false},
		{"wrapped external", errors.Join(errors.New("dispatch"), executor.NewSimulationError("call", "timeout", "", true)), true},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyRetryable(tc.err); got != tc.want {
				t.Fatalf("classifyRetryable = %v, want %v", got, tc.want)
			}
		})
	}
}

type stubTaskRunner struct {
	result executor.TaskResult
	err    error
	gotIn  executor.TaskInput
}

func (s *stubTaskRunner) RunTask(ctx context.Context, input executor.TaskInput) (executor.TaskResult, error) {
	s.gotIn = input
	return s.result, s.err
}

func TestTaskHandlerProducesSingleArtifact(t *testing.T) {
	score := 0.87
	runner := &stubTaskRunner{result: executor.TaskResult{
		Output:         domain.Metadata{"verdict": "aligned"},
		AlignmentScore: &score,
	}}
	handler := TaskHandler(runner, "alignment_scoring")

	outputs, err := handler(context.Background(), domain.Job{
		ID:        "job-1",
		ProjectID: "proj-1",
		Type:      domain.JobTypeAlignmentScoring,
		Payload:   domain.Metadata{"target": "blueprint-3"},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected one artifact, got %d", len(outputs))
	}
	if outputs[0].Name != "alignment_scoring.json" {
		t.Fatalf("artifact name = %s", outputs[0].Name)
	}
	if outputs[0].AlignmentScore == nil || *outputs[0].AlignmentScore != score {
		t.Fatalf("alignment score = %v", outputs[0].AlignmentScore)
	}
	if runner.gotIn.Task != "alignment_scoring" || runner.gotIn.ProjectID != "proj-1" {
		t.Fatalf("task input = %+v", runner.gotIn)
	}
}

func TestPlannerHandlerRoundTrip(t *testing.T) {
	handler := PlannerHandler(planner.New(planner.DefaultLimits()))

	outputs, err := handler(context.Background(), domain.Job{
		ID:        "job-1",
		ProjectID: "proj-1",
		Type:      domain.JobTypeGoalAnalysis,
		Payload: domain.Metadata{
			"actions": []any{
				map[string]any{"id": "a", "name": "Action A", "probability": 0.9, "utility_gain": 5.0},
				map[string]any{"id": "b", "name": "Action B", "probability": 0.7, "utility_gain": 2.0},
			},
			"limits": map[string]any{
				"max_depth":         2.0,
				"max_branching":     2.0,
				"probability_floor": 0.01,
				"max_paths":         100.0,
				"cluster_prefix":    1.0,
			},
		},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Name != "goal_analysis.json" {
		t.Fatalf("outputs = %+v", outputs)
	}
	var result planner.Result
	if err := json.Unmarshal(outputs[0].Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != planner.StatusCompleted {
		t.Fatalf("status = %s", result.Status)
	}
	if result.TotalValid == 0 {
		t.Fatal("expected at least one valid path")
	}
}

func TestPlannerHandlerRejectsBadPayload(t *testing.T) {
	handler := PlannerHandler(planner.New(planner.DefaultLimits()))
	if _, err := handler(context.Background(), domain.Job{
		Type:    domain.JobTypeGoalAnalysis,
		Payload: domain.Metadata{"actions": []any{}},
	}); err == nil {
		t.Fatal("expected error for empty action set")
	}
}
