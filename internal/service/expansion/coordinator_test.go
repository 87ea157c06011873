package expansion

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/foresight-labs/foresight-go/internal/compliance"
	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/executor"
	"github.com/foresight-labs/foresight-go/internal/platform/auditlog"
	"github.com/foresight-labs/foresight-go/internal/platform/objectstore"
	"github.com/foresight-labs/foresight-go/internal/repo/memory"
	"github.com/foresight-labs/foresight-go/internal/service/graph"
	"github.com/foresight-labs/foresight-go/internal/service/jobs"
)

type stubGenerator struct {
	candidates []executor.Candidate
	err        error
	calls      int
}

func (s *stubGenerator) Generate(ctx context.Context, input executor.GenerateInput) ([]executor.Candidate, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates, nil
}

type fixture struct {
	coordinator *Coordinator
	jobs        *jobs.Service
	graphs      *graph.Service
	store       *memory.Store
	generator   *stubGenerator
	graph       domain.Graph
	baseline    domain.Node
}

func newFixture(t *testing.T, generator *stubGenerator) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	jobService := jobs.New(store, store, objectstore.NewMemoryPayloadStore(), auditlog.NopAppender{}, logger)
	graphService := graph.New(store, store, auditlog.NopAppender{}, logger)
	coordinator := New(jobService, graphService, generator, compliance.NewChecker(), logger)
	if coordinator == nil {
		t.Fatal("coordinator construction failed")
	}

	g, err := graphService.CreateGraph(ctx, graph.Identity{}, "proj-1", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	baseline, err := graphService.AddNode(ctx, graph.Identity{}, domain.Node{
		GraphID: g.ID,
		Type:    domain.NodeTypeOutcomeVerified,
		Status:  domain.NodeStatusDone,
		Title:   "baseline",
		Verified: &domain.VerifiedPayload{
			Probability: 0.4,
			RunID:       "run-0",
		},
	})
	if err != nil {
		t.Fatalf("add baseline: %v", err)
	}
	return &fixture{
		coordinator: coordinator,
		jobs:        jobService,
		graphs:      graphService,
		store:       store,
		generator:   generator,
		graph:       g,
		baseline:    baseline,
	}
}

func TestRequestRejectsNonVerifiedAndNonDoneNodes(t *testing.T) {
	f := newFixture(t, &stubGenerator{})
	ctx := context.Background()

	draft, err := f.graphs.AddNode(ctx, graph.Identity{}, domain.Node{
		GraphID:  f.graph.ID,
		Type:     domain.NodeTypeScenarioDraft,
		Status:   domain.NodeStatusDraft,
		Title:    "branch",
		ParentID: f.baseline.ID,
		Draft:    &domain.DraftPayload{EstimatedDelta: 0.02, Confidence: domain.ConfidenceLow},
	})
	if err != nil {
		t.Fatalf("add draft: %v", err)
	}
	if _, _, err := f.coordinator.Request(ctx, jobs.Identity{}, draft.ID, 0); err == nil {
		t.Fatal("draft node must not be expandable")
	}
}

func TestRequestIsIdempotentWhileJobActive(t *testing.T) {
	f := newFixture(t, &stubGenerator{})
	ctx := context.Background()

	first, created, err := f.coordinator.Request(ctx, jobs.Identity{Actor: "alice"}, f.baseline.ID, 2)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !created {
		t.Fatal("first request should create a job")
	}
	if first.Type != domain.JobTypeScenarioExpand {
		t.Fatalf("job type = %s", first.Type)
	}

	second, created, err := f.coordinator.Request(ctx, jobs.Identity{Actor: "bob"}, f.baseline.ID, 2)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("duplicate request created=%v id=%s want %s", created, second.ID, first.ID)
	}
}

func TestExecuteCreatesDraftsAndEdges(t *testing.T) {
	when := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	generator := &stubGenerator{candidates: []executor.Candidate{
		{
			Title:          "price increase",
			EstimatedDelta: 0.05,
			Confidence:     domain.ConfidenceHigh,
			Rationale:      []string{"margin pressure"},
			EvidenceRefs: []domain.EvidenceRef{
				{ID: "ev-1", Title: "q2 report", SourceDate: &when},
				{ID: "ev-2", Title: "leaked memo", SourceDate: &late},
			},
		},
		{
			Title:          "hold pricing",
			EstimatedDelta: -0.01,
			Confidence:     domain.ConfidenceMedium,
		},
	}}
	f := newFixture(t, generator)
	ctx := context.Background()

	job, _, err := f.coordinator.Request(ctx, jobs.Identity{}, f.baseline.ID, 4)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	claimed, err := f.jobs.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	outputs, err := f.coordinator.Execute(ctx, claimed)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected one summary artifact, got %d", len(outputs))
	}

	g, err := f.graphs.GetGraphByID(ctx, f.graph.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	drafts := 0
	for _, node := range g.Nodes {
		if node.Type != domain.NodeTypeScenarioDraft {
			continue
		}
		drafts++
		if node.Status != domain.NodeStatusDraft {
			t.Fatalf("new draft status = %s", node.Status)
		}
		if node.ParentID != f.baseline.ID {
			t.Fatalf("draft parent = %s", node.ParentID)
		}
		if node.JobID != job.ID {
			t.Fatalf("draft owner = %s, want %s", node.JobID, job.ID)
		}
	}
	if drafts != 2 {
		t.Fatalf("expected 2 drafts, got %d", drafts)
	}
	expandEdges := 0
	for _, edge := range g.Edges {
		if edge.Relation == domain.EdgeExpandsTo && edge.FromID == f.baseline.ID {
			expandEdges++
		}
	}
	if expandEdges != 2 {
		t.Fatalf("expected 2 EXPANDS_TO edges, got %d", expandEdges)
	}

	// Evidence is annotated, never stripped.
	for _, node := range g.Nodes {
		if node.Type != domain.NodeTypeScenarioDraft || len(node.Draft.EvidenceRefs) == 0 {
			continue
		}
		if len(node.Draft.EvidenceRefs) != 2 {
			t.Fatalf("evidence refs = %d, want 2", len(node.Draft.EvidenceRefs))
		}
		verdicts := map[string]domain.ComplianceVerdict{}
		for _, ref := range node.Draft.EvidenceRefs {
			verdicts[ref.ID] = ref.Compliance
		}
		if verdicts["ev-1"] != domain.CompliancePass {
			t.Fatalf("ev-1 verdict = %s", verdicts["ev-1"])
		}
		if verdicts["ev-2"] != domain.ComplianceFail {
			t.Fatalf("ev-2 verdict = %s", verdicts["ev-2"])
		}
	}
}

func TestExecuteGeneratorFailureLeavesGraphUntouched(t *testing.T) {
	generator := &stubGenerator{err: executor.NewGenerationError("call", "model overloaded", "corr-1", true)}
	f := newFixture(t, generator)
	ctx := context.Background()

	if _, _, err := f.coordinator.Request(ctx, jobs.Identity{}, f.baseline.ID, 2); err != nil {
		t.Fatalf("request: %v", err)
	}
	claimed, err := f.jobs.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.coordinator.Execute(ctx, claimed); err == nil {
		t.Fatal("expected generator failure to propagate")
	}

	g, err := f.graphs.GetGraphByID(ctx, f.graph.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("failed expansion must create no nodes, graph has %d", len(g.Nodes))
	}
	if len(g.Edges) != 0 {
		t.Fatalf("failed expansion must create no edges, graph has %d", len(g.Edges))
	}
}

func TestExecuteZeroCandidatesSucceeds(t *testing.T) {
	f := newFixture(t, &stubGenerator{})
	ctx := context.Background()

	if _, _, err := f.coordinator.Request(ctx, jobs.Identity{}, f.baseline.ID, 2); err != nil {
		t.Fatalf("request: %v", err)
	}
	claimed, err := f.jobs.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	outputs, err := f.coordinator.Execute(ctx, claimed)
	if err != nil {
		t.Fatalf("zero candidates is a valid result: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected summary artifact, got %d", len(outputs))
	}
}
