// Package worker runs the background job loop: N goroutines poll the
// job store, claim queued jobs via compare-and-set, and dispatch them to
// the coordinator for their type. A panicking handler fails its job,
// never the worker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/executor"
	"github.com/foresight-labs/foresight-go/internal/planner"
	"github.com/foresight-labs/foresight-go/internal/repo"
	"github.com/foresight-labs/foresight-go/internal/service/jobs"
)

// HandlerFunc executes one claimed job and returns the artifacts to
// register on success.
type HandlerFunc func(ctx context.Context, job domain.Job) ([]jobs.ArtifactInput, error)

// Handlers maps every job type to its handler. The zero value for a
// field means jobs of that type fail with a configuration error rather
// than sitting in the queue forever.
type Handlers struct {
	GoalAnalysis     HandlerFunc
	BlueprintBuild   HandlerFunc
	SlotValidation   HandlerFunc
	ScenarioExpand   HandlerFunc
	ScenarioRun      HandlerFunc
	Summarization    HandlerFunc
	AlignmentScoring HandlerFunc
}

func (h Handlers) forType(t domain.JobType) HandlerFunc {
	switch t {
	case domain.JobTypeGoalAnalysis:
		return h.GoalAnalysis
	case domain.JobTypeBlueprintBuild:
		return h.BlueprintBuild
	case domain.JobTypeSlotValidation:
		return h.SlotValidation
	case domain.JobTypeScenarioExpand:
		return h.ScenarioExpand
	case domain.JobTypeScenarioRun:
		return h.ScenarioRun
	case domain.JobTypeSummarization:
		return h.Summarization
	case domain.JobTypeAlignmentScoring:
		return h.AlignmentScoring
	}
	return nil
}

type Config struct {
	Workers      int
	PollInterval time.Duration
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

type Pool struct {
	cfg      Config
	jobs     *jobs.Service
	handlers Handlers
	log      *slog.Logger
}

func NewPool(cfg Config, jobService *jobs.Service, handlers Handlers, log *slog.Logger) *Pool {
	if jobService == nil || log == nil {
		return nil
	}
	return &Pool{
		cfg:      cfg.normalize(),
		jobs:     jobService,
		handlers: handlers,
		log:      log,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	log := p.log.With(slog.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Drain the queue before sleeping again.
		for {
			job, err := p.jobs.Claim(ctx)
			if err != nil {
				if !errors.Is(err, repo.ErrNotFound) && !errors.Is(err, context.Canceled) {
					log.Error("claim job", slog.String("error", err.Error()))
				}
				break
			}
			p.process(ctx, log, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, job domain.Job) {
	log = log.With(slog.String("job_id", job.ID), slog.String("type", string(job.Type)))
	log.Info("job claimed")

	outputs, err := p.dispatch(ctx, job)
	if err != nil {
		retryable := classifyRetryable(err)
		log.Warn("job failed",
			slog.String("error", err.Error()),
			slog.Bool("retryable", retryable))
		if failErr := p.jobs.Fail(ctx, job.ID, err.Error(), retryable); failErr != nil {
			log.Error("record job failure", slog.String("error", failErr.Error()))
		}
		return
	}
	if _, err := p.jobs.Complete(ctx, job.ID, outputs); err != nil {
		log.Error("complete job", slog.String("error", err.Error()))
		if failErr := p.jobs.Fail(ctx, job.ID, fmt.Sprintf("finalize: %v", err), true); failErr != nil {
			log.Error("record job failure", slog.String("error", failErr.Error()))
		}
		return
	}
	log.Info("job succeeded")
}

func (p *Pool) dispatch(ctx context.Context, job domain.Job) (outputs []jobs.ArtifactInput, err error) {
	handler := p.handlers.forType(job.Type)
	if handler == nil {
		return nil, fmt.Errorf("no handler configured for job type %s", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// classifyRetryable treats transport-level and explicitly retryable
// external failures as retryable; everything else needs human eyes.
func classifyRetryable(err error) bool {
	var extErr *executor.ExternalError
	if errors.As(err, &extErr) {
		return extErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// TaskHandler adapts a generic task runner into a job handler. The
// job's payload is forwarded verbatim and the result lands as one JSON
// artifact.
func TaskHandler(runner executor.TaskRunner, task string) HandlerFunc {
	return func(ctx context.Context, job domain.Job) ([]jobs.ArtifactInput, error) {
		result, err := runner.RunTask(ctx, executor.TaskInput{
			ProjectID: job.ProjectID,
			Task:      task,
			Payload:   job.Payload,
		})
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(result.Output)
		if err != nil {
			return nil, fmt.Errorf("encode task output: %w", err)
		}
		return []jobs.ArtifactInput{{
			Name:           task + ".json",
			ContentType:    "application/json",
			Payload:        payload,
			AlignmentScore: result.AlignmentScore,
		}}, nil
	}
}

// PlannerHandler runs a path-planner search submitted as a
// goal_analysis job. The search request rides in the job payload.
func PlannerHandler(p *planner.Planner) HandlerFunc {
	return func(ctx context.Context, job domain.Job) ([]jobs.ArtifactInput, error) {
		raw, err := json.Marshal(job.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode planner request: %w", err)
		}
		var req planner.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode planner request: %w", err)
		}
		result, err := p.Search(ctx, req)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode planner result: %w", err)
		}
		return []jobs.ArtifactInput{{
			Name:        "goal_analysis.json",
			ContentType: "application/json",
			Payload:     payload,
		}}, nil
	}
}
