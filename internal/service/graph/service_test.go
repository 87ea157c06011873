package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/platform/auditlog"
	"github.com/foresight-labs/foresight-go/internal/repo"
	"github.com/foresight-labs/foresight-go/internal/repo/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, store, auditlog.NopAppender{}, logger)
	if svc == nil {
		t.Fatal("service construction failed")
	}
	return svc, store
}

func seedGraph(t *testing.T, svc *Service) domain.Graph {
	t.Helper()
	g, err := svc.CreateGraph(context.Background(), Identity{}, "proj-1", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	return g
}

func verifiedNode(graphID, id string) domain.Node {
	return domain.Node{
		ID:      id,
		GraphID: graphID,
		Type:    domain.NodeTypeOutcomeVerified,
		Status:  domain.NodeStatusDone,
		Title:   "verified " + id,
		Verified: &domain.VerifiedPayload{
			Probability: 0.5,
			RunID:       "run-" + id,
		},
	}
}

func draftNode(graphID, id, parentID string) domain.Node {
	return domain.Node{
		ID:       id,
		GraphID:  graphID,
		Type:     domain.NodeTypeScenarioDraft,
		Status:   domain.NodeStatusDraft,
		Title:    "draft " + id,
		ParentID: parentID,
		Draft: &domain.DraftPayload{
			EstimatedDelta: 0.02,
			Confidence:     domain.ConfidenceMedium,
		},
	}
}

func TestCreateGraphIsIdempotentPerProject(t *testing.T) {
	svc, _ := newTestService(t)
	first := seedGraph(t, svc)
	second, err := svc.CreateGraph(context.Background(), Identity{}, "proj-1", time.Time{})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second create returned graph %s, want %s", second.ID, first.ID)
	}
}

func TestAddEdgeRejectsDuplicatesAndCycles(t *testing.T) {
	svc, _ := newTestService(t)
	g := seedGraph(t, svc)
	ctx := context.Background()
	id := Identity{}

	if _, err := svc.AddNode(ctx, id, verifiedNode(g.ID, "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if _, err := svc.AddNode(ctx, id, draftNode(g.ID, "b", "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}

	edge := domain.Edge{GraphID: g.ID, FromID: "a", ToID: "b", Relation: domain.EdgeExpandsTo}
	if _, err := svc.AddEdge(ctx, id, edge); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if _, err := svc.AddEdge(ctx, id, edge); !errors.Is(err, repo.ErrDuplicateEdge) {
		t.Fatalf("duplicate edge err = %v", err)
	}

	back := domain.Edge{GraphID: g.ID, FromID: "b", ToID: "a", Relation: domain.EdgeRunsTo}
	if _, err := svc.AddEdge(ctx, id, back); !errors.Is(err, repo.ErrCycleViolation) {
		t.Fatalf("cycle edge err = %v", err)
	}

	// Non-structural relations do not participate in ancestry.
	support := domain.Edge{GraphID: g.ID, FromID: "b", ToID: "a", Relation: domain.EdgeSupports}
	if _, err := svc.AddEdge(ctx, id, support); err != nil {
		t.Fatalf("supports edge should be allowed: %v", err)
	}
}

func TestAddNodeRejectsDanglingParent(t *testing.T) {
	svc, _ := newTestService(t)
	g := seedGraph(t, svc)
	if _, err := svc.AddNode(context.Background(), Identity{}, draftNode(g.ID, "b", "missing")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("dangling parent err = %v", err)
	}
}

func TestTransitionNodeStatusEnforcesStateMachine(t *testing.T) {
	svc, _ := newTestService(t)
	g := seedGraph(t, svc)
	ctx := context.Background()
	id := Identity{}

	if _, err := svc.AddNode(ctx, id, verifiedNode(g.ID, "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if _, err := svc.AddNode(ctx, id, draftNode(g.ID, "b", "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}

	// DRAFT cannot jump straight to RUNNING.
	if _, err := svc.TransitionNodeStatus(ctx, id, "b", domain.NodeStatusRunning, nil); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("skip err = %v", err)
	}

	node, err := svc.TransitionNodeStatus(ctx, id, "b", domain.NodeStatusQueued, nil)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if node.Status != domain.NodeStatusQueued {
		t.Fatalf("status = %s", node.Status)
	}
	if _, err := svc.TransitionNodeStatus(ctx, id, "b", domain.NodeStatusRunning, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	failed := &domain.FailedPayload{Stage: "simulate", Message: "timeout", Retryable: true}
	if _, err := svc.TransitionNodeStatus(ctx, id, "b", domain.NodeStatusFailed, failed); err != nil {
		t.Fatalf("fail: %v", err)
	}
	// Retry edge.
	if _, err := svc.TransitionNodeStatus(ctx, id, "b", domain.NodeStatusQueued, nil); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// Verified nodes never transition.
	if _, err := svc.TransitionNodeStatus(ctx, id, "a", domain.NodeStatusFailed, failed); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("verified transition err = %v", err)
	}
}

func TestGetGraphReconcilesOrphanedNodes(t *testing.T) {
	svc, store := newTestService(t)
	g := seedGraph(t, svc)
	ctx := context.Background()
	id := Identity{}

	if _, err := svc.AddNode(ctx, id, verifiedNode(g.ID, "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if _, err := svc.AddNode(ctx, id, draftNode(g.ID, "b", "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if _, err := svc.TransitionNodeStatus(ctx, id, "b", domain.NodeStatusQueued, nil); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := svc.TransitionNodeStatus(ctx, id, "b", domain.NodeStatusRunning, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The owning job dies without resolving the node.
	now := time.Now().UTC()
	job := domain.Job{
		ID:             "job-1",
		ProjectID:      "proj-1",
		Type:           domain.JobTypeScenarioRun,
		Status:         domain.JobStatusQueued,
		IdempotencyKey: "key-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := store.AssignNodeJob(ctx, "b", job.ID); err != nil {
		t.Fatalf("assign job: %v", err)
	}
	if err := store.TransitionJobStatus(ctx, job.ID, domain.JobStatusQueued, domain.JobStatusFailed, "boom"); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	got, err := svc.GetGraph(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	var repaired *domain.Node
	for i := range got.Nodes {
		if got.Nodes[i].ID == "b" {
			repaired = &got.Nodes[i]
		}
	}
	if repaired == nil {
		t.Fatal("node b missing from graph")
	}
	if repaired.Status != domain.NodeStatusFailed {
		t.Fatalf("orphaned node status = %s, want FAILED", repaired.Status)
	}
	if repaired.Failed == nil || repaired.Failed.Stage != "reconcile" {
		t.Fatalf("failed payload = %+v", repaired.Failed)
	}
	if !repaired.Failed.Retryable {
		t.Fatal("reconciled failure should be retryable")
	}
}

func TestGetGraphLeavesHealthyInFlightNodesAlone(t *testing.T) {
	svc, store := newTestService(t)
	g := seedGraph(t, svc)
	ctx := context.Background()
	id := Identity{}

	if _, err := svc.AddNode(ctx, id, verifiedNode(g.ID, "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if _, err := svc.AddNode(ctx, id, draftNode(g.ID, "b", "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if _, err := svc.TransitionNodeStatus(ctx, id, "b", domain.NodeStatusQueued, nil); err != nil {
		t.Fatalf("queue: %v", err)
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:             "job-1",
		ProjectID:      "proj-1",
		Type:           domain.JobTypeScenarioRun,
		Status:         domain.JobStatusQueued,
		IdempotencyKey: "key-1",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := store.AssignNodeJob(ctx, "b", job.ID); err != nil {
		t.Fatalf("assign job: %v", err)
	}

	got, err := svc.GetGraph(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	for _, node := range got.Nodes {
		if node.ID == "b" && node.Status != domain.NodeStatusQueued {
			t.Fatalf("healthy node flipped to %s", node.Status)
		}
	}
}

func TestSetActiveBaselineRequiresVerifiedNode(t *testing.T) {
	svc, _ := newTestService(t)
	g := seedGraph(t, svc)
	ctx := context.Background()
	id := Identity{}

	if _, err := svc.AddNode(ctx, id, verifiedNode(g.ID, "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if _, err := svc.AddNode(ctx, id, draftNode(g.ID, "b", "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}

	if err := svc.SetActiveBaseline(ctx, id, g.ID, "b"); err == nil {
		t.Fatal("draft node must not become baseline")
	}
	if err := svc.SetActiveBaseline(ctx, id, g.ID, "a"); err != nil {
		t.Fatalf("set baseline: %v", err)
	}
	got, err := svc.GetGraphByID(ctx, g.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if got.ActiveBaselineID != "a" {
		t.Fatalf("baseline = %s", got.ActiveBaselineID)
	}
}

func TestAddExpansionBatchIsAllOrNothing(t *testing.T) {
	svc, _ := newTestService(t)
	g := seedGraph(t, svc)
	ctx := context.Background()
	id := Identity{}

	if _, err := svc.AddNode(ctx, id, verifiedNode(g.ID, "a")); err != nil {
		t.Fatalf("add node: %v", err)
	}

	nodes := []domain.Node{
		draftNode(g.ID, "b", "a"),
		draftNode(g.ID, "c", "a"),
	}
	edges := []domain.Edge{
		{ID: "e1", GraphID: g.ID, FromID: "a", ToID: "b", Relation: domain.EdgeExpandsTo},
		// Bad edge: endpoint never inserted.
		{ID: "e2", GraphID: g.ID, FromID: "a", ToID: "ghost", Relation: domain.EdgeExpandsTo},
	}
	if err := svc.AddExpansionBatch(ctx, id, nodes, edges); err == nil {
		t.Fatal("batch with a bad edge must fail")
	}

	got, err := svc.GetGraphByID(ctx, g.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if len(got.Nodes) != 1 {
		t.Fatalf("failed batch must not leave partial nodes, graph has %d", len(got.Nodes))
	}
	if len(got.Edges) != 0 {
		t.Fatalf("failed batch must not leave partial edges, graph has %d", len(got.Edges))
	}
}
