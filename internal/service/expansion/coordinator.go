// Package expansion coordinates branching a verified outcome into draft
// scenario candidates. Request admits the background job; Execute runs
// inside a worker, calls the external generator, annotates evidence
// compliance, and commits the resulting nodes and edges atomically.
package expansion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-labs/foresight-go/internal/compliance"
	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/executor"
	"github.com/foresight-labs/foresight-go/internal/service/graph"
	"github.com/foresight-labs/foresight-go/internal/service/jobs"
)

// inputVersion feeds the idempotency key; bump when the expansion input
// contract changes so old terminal jobs do not shadow new work.
const inputVersion = "v1"

const defaultMaxCandidates = 4

type Coordinator struct {
	jobs      *jobs.Service
	graphs    *graph.Service
	generator executor.Generator
	checker   *compliance.Checker
	log       *slog.Logger
}

func New(jobService *jobs.Service, graphService *graph.Service, generator executor.Generator, checker *compliance.Checker, log *slog.Logger) *Coordinator {
	if jobService == nil || graphService == nil || generator == nil || checker == nil || log == nil {
		return nil
	}
	return &Coordinator{
		jobs:      jobService,
		graphs:    graphService,
		generator: generator,
		checker:   checker,
		log:       log,
	}
}

// Request admits a scenario_expand job for a verified node. The node
// must be a DONE OUTCOME_VERIFIED node. A duplicate request while the
// job is still active returns the active job instead of a new one.
func (c *Coordinator) Request(ctx context.Context, id jobs.Identity, nodeID string, maxCandidates int) (domain.Job, bool, error) {
	node, err := c.graphs.GetNode(ctx, nodeID)
	if err != nil {
		return domain.Job{}, false, err
	}
	if node.Type != domain.NodeTypeOutcomeVerified {
		return domain.Job{}, false, fmt.Errorf("node %s is %s, expansion requires OUTCOME_VERIFIED", nodeID, node.Type)
	}
	if node.Status != domain.NodeStatusDone {
		return domain.Job{}, false, fmt.Errorf("node %s is %s, expansion requires DONE", nodeID, node.Status)
	}
	g, err := c.graphs.GetGraphByID(ctx, node.GraphID)
	if err != nil {
		return domain.Job{}, false, err
	}
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}
	return c.jobs.Submit(ctx, id, jobs.SubmitInput{
		ProjectID:      g.ProjectID,
		Type:           domain.JobTypeScenarioExpand,
		IdempotencyKey: jobs.IdempotencyKey(nodeID, domain.JobTypeScenarioExpand, inputVersion),
		Payload: domain.Metadata{
			"node_id":        nodeID,
			"graph_id":       node.GraphID,
			"max_candidates": maxCandidates,
		},
		MaxRetries:  3,
		StagesTotal: 3,
	})
}

// Execute performs one expansion job. Failure of the generator call
// leaves the graph untouched: candidates land all-or-nothing.
func (c *Coordinator) Execute(ctx context.Context, job domain.Job) ([]jobs.ArtifactInput, error) {
	nodeID, _ := job.Payload["node_id"].(string)
	if strings.TrimSpace(nodeID) == "" {
		return nil, errors.New("job payload missing node_id")
	}
	maxCandidates := defaultMaxCandidates
	if raw, ok := job.Payload["max_candidates"].(float64); ok && raw > 0 {
		maxCandidates = int(raw)
	}

	node, err := c.graphs.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	g, err := c.graphs.GetGraphByID(ctx, node.GraphID)
	if err != nil {
		return nil, err
	}

	if err := c.jobs.Advance(ctx, job.ID, jobs.AdvanceInput{StageName: "generate", StageIndex: 1, ProgressPercent: -1}); err != nil {
		return nil, err
	}
	candidates, err := c.generator.Generate(ctx, executor.GenerateInput{
		ProjectID:     job.ProjectID,
		NodeID:        node.ID,
		NodeTitle:     node.Title,
		NodeSummary:   node.Summary,
		Cutoff:        g.CutoffDate,
		MaxCandidates: maxCandidates,
	})
	if err != nil {
		return nil, err
	}

	if err := c.jobs.Advance(ctx, job.ID, jobs.AdvanceInput{StageName: "commit", StageIndex: 2, ProgressPercent: -1}); err != nil {
		return nil, err
	}
	drafts := make([]domain.Node, 0, len(candidates))
	edges := make([]domain.Edge, 0, len(candidates))
	now := time.Now().UTC()
	for _, candidate := range candidates {
		confidence := candidate.Confidence
		if !confidence.Valid() {
			confidence = domain.ConfidenceLow
		}
		draft := domain.Node{
			ID:       uuid.NewString(),
			GraphID:  node.GraphID,
			Type:     domain.NodeTypeScenarioDraft,
			Status:   domain.NodeStatusDraft,
			Title:    candidate.Title,
			Summary:  candidate.Summary,
			ParentID: node.ID,
			JobID:    job.ID,
			Draft: &domain.DraftPayload{
				EstimatedDelta: candidate.EstimatedDelta,
				Confidence:     confidence,
				Rationale:      candidate.Rationale,
				EvidenceRefs:   c.checker.Annotate(candidate.EvidenceRefs, g.CutoffDate),
			},
			CreatedAt: now,
		}
		drafts = append(drafts, draft)
		edges = append(edges, domain.Edge{
			ID:        uuid.NewString(),
			GraphID:   node.GraphID,
			FromID:    node.ID,
			ToID:      draft.ID,
			Relation:  domain.EdgeExpandsTo,
			CreatedAt: now,
		})
	}
	if len(drafts) > 0 {
		if err := c.graphs.AddExpansionBatch(ctx, graph.Identity{Actor: "worker"}, drafts, edges); err != nil {
			return nil, fmt.Errorf("commit expansion: %w", err)
		}
	}

	c.log.Info("expansion committed",
		slog.String("job_id", job.ID),
		slog.String("node_id", node.ID),
		slog.Int("candidates", len(drafts)))

	summary := map[string]any{
		"node_id":    node.ID,
		"graph_id":   node.GraphID,
		"candidates": len(drafts),
	}
	ids := make([]string, 0, len(drafts))
	for _, draft := range drafts {
		ids = append(ids, draft.ID)
	}
	summary["draft_node_ids"] = ids
	payload, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode expansion summary: %w", err)
	}
	return []jobs.ArtifactInput{{
		Name:        "expansion.json",
		ContentType: "application/json",
		Payload:     payload,
	}}, nil
}
