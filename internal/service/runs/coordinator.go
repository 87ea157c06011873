// Package runs coordinates executing a draft scenario against the
// external simulator. Start moves the draft into the queue and admits
// the job; Execute runs inside a worker and either commits a verified
// outcome node or marks the draft failed with retry guidance.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/executor"
	"github.com/foresight-labs/foresight-go/internal/service/graph"
	"github.com/foresight-labs/foresight-go/internal/service/jobs"
)

const inputVersion = "v1"

type Coordinator struct {
	jobs      *jobs.Service
	graphs    *graph.Service
	simulator executor.Simulator
	log       *slog.Logger
}

func New(jobService *jobs.Service, graphService *graph.Service, simulator executor.Simulator, log *slog.Logger) *Coordinator {
	if jobService == nil || graphService == nil || simulator == nil || log == nil {
		return nil
	}
	return &Coordinator{
		jobs:      jobService,
		graphs:    graphService,
		simulator: simulator,
		log:       log,
	}
}

// Start queues a run for a draft node and admits the scenario_run job.
// A DRAFT node is queued directly; a FAILED node with a retryable
// failure is requeued without creating a duplicate draft. Calling Start
// while a run is already in flight returns the active job.
func (c *Coordinator) Start(ctx context.Context, id jobs.Identity, nodeID string) (domain.Job, bool, error) {
	node, err := c.graphs.GetNode(ctx, nodeID)
	if err != nil {
		return domain.Job{}, false, err
	}
	if node.Type != domain.NodeTypeScenarioDraft {
		return domain.Job{}, false, fmt.Errorf("node %s is %s, run requires SCENARIO_DRAFT", nodeID, node.Type)
	}

	gid := graph.Identity{Actor: id.Actor, RequestID: id.RequestID}
	switch node.Status {
	case domain.NodeStatusDraft:
		if _, err := c.graphs.TransitionNodeStatus(ctx, gid, nodeID, domain.NodeStatusQueued, nil); err != nil {
			return domain.Job{}, false, err
		}
	case domain.NodeStatusFailed:
		if node.Failed != nil && !node.Failed.Retryable {
			return domain.Job{}, false, fmt.Errorf("node %s failed permanently: %s", nodeID, node.Failed.Message)
		}
		if _, err := c.graphs.TransitionNodeStatus(ctx, gid, nodeID, domain.NodeStatusQueued, nil); err != nil {
			return domain.Job{}, false, err
		}
	case domain.NodeStatusQueued, domain.NodeStatusRunning:
		// A run is already in flight; fall through to admission, which
		// returns the active job for the same key.
	default:
		return domain.Job{}, false, fmt.Errorf("%w: node %s is %s", domain.ErrInvalidStateTransition, nodeID, node.Status)
	}

	g, err := c.graphs.GetGraphByID(ctx, node.GraphID)
	if err != nil {
		return domain.Job{}, false, err
	}
	job, created, err := c.jobs.Submit(ctx, id, jobs.SubmitInput{
		ProjectID:      g.ProjectID,
		Type:           domain.JobTypeScenarioRun,
		IdempotencyKey: jobs.IdempotencyKey(nodeID, domain.JobTypeScenarioRun, inputVersion),
		Payload: domain.Metadata{
			"node_id":  nodeID,
			"graph_id": node.GraphID,
		},
		MaxRetries:  3,
		StagesTotal: 3,
	})
	if err != nil {
		return domain.Job{}, false, err
	}
	if created {
		if err := c.graphs.AssignNodeJob(ctx, nodeID, job.ID); err != nil {
			return domain.Job{}, false, err
		}
	}
	return job, created, nil
}

// Execute performs one run job. On simulator failure the draft is
// marked FAILED with the failure detail, then the error is returned so
// the worker fails the job as well.
func (c *Coordinator) Execute(ctx context.Context, job domain.Job) ([]jobs.ArtifactInput, error) {
	nodeID, _ := job.Payload["node_id"].(string)
	if strings.TrimSpace(nodeID) == "" {
		return nil, errors.New("job payload missing node_id")
	}
	node, err := c.graphs.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Draft == nil {
		return nil, fmt.Errorf("node %s has no draft payload", nodeID)
	}
	g, err := c.graphs.GetGraphByID(ctx, node.GraphID)
	if err != nil {
		return nil, err
	}

	worker := graph.Identity{Actor: "worker"}
	if node.Status == domain.NodeStatusFailed {
		// A job recreated through resubmission finds the node still
		// FAILED from the prior attempt. Requeue it and take ownership
		// before running.
		if node.Failed != nil && !node.Failed.Retryable {
			return nil, fmt.Errorf("node %s failed permanently: %s", nodeID, node.Failed.Message)
		}
		if _, err := c.graphs.TransitionNodeStatus(ctx, worker, nodeID, domain.NodeStatusQueued, nil); err != nil {
			return nil, err
		}
		if err := c.graphs.AssignNodeJob(ctx, nodeID, job.ID); err != nil {
			return nil, err
		}
	}
	if _, err := c.graphs.TransitionNodeStatus(ctx, worker, nodeID, domain.NodeStatusRunning, nil); err != nil {
		return nil, err
	}
	if err := c.jobs.Advance(ctx, job.ID, jobs.AdvanceInput{StageName: "simulate", StageIndex: 1, ProgressPercent: -1}); err != nil {
		return nil, err
	}

	result, err := c.simulator.Simulate(ctx, executor.SimulateInput{
		ProjectID: job.ProjectID,
		NodeID:    node.ID,
		Title:     node.Title,
		Summary:   node.Summary,
		Draft:     *node.Draft,
		Cutoff:    g.CutoffDate,
	})
	if err != nil {
		c.markFailed(ctx, worker, nodeID, err)
		return nil, err
	}

	if err := c.jobs.Advance(ctx, job.ID, jobs.AdvanceInput{StageName: "commit", StageIndex: 2, ProgressPercent: -1}); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	verified := domain.Node{
		ID:       uuid.NewString(),
		GraphID:  node.GraphID,
		Type:     domain.NodeTypeOutcomeVerified,
		Status:   domain.NodeStatusDone,
		Title:    node.Title,
		Summary:  node.Summary,
		ParentID: node.ID,
		JobID:    job.ID,
		Verified: &domain.VerifiedPayload{
			Probability:       result.Probability,
			Delta:             result.Delta,
			Uncertainty:       result.Uncertainty,
			Drivers:           result.Drivers,
			SegmentShifts:     result.SegmentShifts,
			RunID:             result.RunID,
			PersonaSetVersion: result.PersonaSetVersion,
			CutoffSnapshot:    result.CutoffSnapshot,
		},
		Links: domain.NodeLinks{
			RunID:             result.RunID,
			PersonaSetVersion: result.PersonaSetVersion,
		},
		CreatedAt: now,
	}
	edge := domain.Edge{
		ID:        uuid.NewString(),
		GraphID:   node.GraphID,
		FromID:    node.ID,
		ToID:      verified.ID,
		Relation:  domain.EdgeRunsTo,
		CreatedAt: now,
	}
	if err := c.graphs.CommitRunResult(ctx, worker, nodeID, verified, edge); err != nil {
		return nil, fmt.Errorf("commit run result: %w", err)
	}

	c.log.Info("run committed",
		slog.String("job_id", job.ID),
		slog.String("draft_node_id", nodeID),
		slog.String("verified_node_id", verified.ID),
		slog.String("run_id", result.RunID))

	payload, err := json.Marshal(map[string]any{
		"draft_node_id":    nodeID,
		"verified_node_id": verified.ID,
		"run_id":           result.RunID,
		"probability":      result.Probability,
		"delta":            result.Delta,
	})
	if err != nil {
		return nil, fmt.Errorf("encode run summary: %w", err)
	}
	return []jobs.ArtifactInput{{
		Name:        "run.json",
		ContentType: "application/json",
		Payload:     payload,
	}}, nil
}

func (c *Coordinator) markFailed(ctx context.Context, id graph.Identity, nodeID string, cause error) {
	failed := &domain.FailedPayload{
		Stage:     "simulate",
		Message:   cause.Error(),
		Retryable: false,
		Guidance:  "inspect the failure detail and retry if transient",
	}
	var extErr *executor.ExternalError
	if errors.As(cause, &extErr) {
		failed.Stage = extErr.Stage
		failed.Message = extErr.Message
		failed.CorrelationID = extErr.CorrelationID
		failed.Retryable = extErr.Retryable
		if extErr.Guidance != "" {
			failed.Guidance = extErr.Guidance
		}
	}
	if _, err := c.graphs.TransitionNodeStatus(ctx, id, nodeID, domain.NodeStatusFailed, failed); err != nil {
		c.log.Error("mark node failed",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()))
	}
}
