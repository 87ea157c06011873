// Package graph owns the persistent scenario graph: node and edge
// admission, the per-type node state machine, baseline selection, and
// the reconciliation sweep that repairs orphaned in-flight nodes.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/platform/auditlog"
	"github.com/foresight-labs/foresight-go/internal/repo"
)

// Identity describes who triggered a graph change, for audit.
type Identity struct {
	Actor     string
	RequestID string
}

func (id Identity) actor() string {
	if strings.TrimSpace(id.Actor) == "" {
		return "system"
	}
	return strings.TrimSpace(id.Actor)
}

type Service struct {
	graphs repo.GraphRepository
	jobs   repo.JobRepository
	audit  auditlog.Appender
	log    *slog.Logger
	now    func() time.Time
}

func New(graphRepo repo.GraphRepository, jobRepo repo.JobRepository, audit auditlog.Appender, log *slog.Logger) *Service {
	if graphRepo == nil || jobRepo == nil || log == nil {
		return nil
	}
	if audit == nil {
		audit = auditlog.NopAppender{}
	}
	return &Service{
		graphs: graphRepo,
		jobs:   jobRepo,
		audit:  audit,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateGraph provisions the scenario graph for a project. A project has
// exactly one graph; creating it again returns the existing graph.
func (s *Service) CreateGraph(ctx context.Context, id Identity, projectID string, cutoff time.Time) (domain.Graph, error) {
	projectID = strings.TrimSpace(projectID)
	graph := domain.Graph{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		CutoffDate: cutoff,
		CreatedAt:  s.now(),
	}
	if err := graph.Validate(); err != nil {
		return domain.Graph{}, err
	}
	if err := s.graphs.CreateGraph(ctx, graph); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return s.graphs.GetGraphByProject(ctx, projectID)
		}
		return domain.Graph{}, err
	}
	s.appendAudit(ctx, id, "graph.created", graph.ID, map[string]any{"project_id": projectID})
	return graph, nil
}

// GetGraph returns the full graph for a project, after a reconciliation
// sweep: any QUEUED or RUNNING node whose owning job has already
// terminated is flipped to FAILED, so readers never see a node claiming
// work that no job is doing.
func (s *Service) GetGraph(ctx context.Context, projectID string) (domain.Graph, error) {
	graph, err := s.graphs.GetGraphByProject(ctx, projectID)
	if err != nil {
		return domain.Graph{}, err
	}
	repaired := false
	for i := range graph.Nodes {
		node := graph.Nodes[i]
		if node.Status != domain.NodeStatusQueued && node.Status != domain.NodeStatusRunning {
			continue
		}
		orphaned, reason, err := s.nodeOrphaned(ctx, node)
		if err != nil {
			return domain.Graph{}, err
		}
		if !orphaned {
			continue
		}
		failed := &domain.FailedPayload{
			Stage:     "reconcile",
			Message:   reason,
			Retryable: true,
			Guidance:  "the owning job terminated without resolving this node; re-run it",
		}
		if err := s.graphs.TransitionNodeStatus(ctx, node.ID, node.Status, domain.NodeStatusFailed, failed); err != nil {
			if errors.Is(err, domain.ErrInvalidStateTransition) {
				// Lost the race to a concurrent writer; its state wins.
				continue
			}
			return domain.Graph{}, err
		}
		s.log.Info("reconciled orphaned node",
			slog.String("node_id", node.ID),
			slog.String("from", string(node.Status)),
			slog.String("reason", reason))
		repaired = true
	}
	if repaired {
		return s.graphs.GetGraphByProject(ctx, projectID)
	}
	return graph, nil
}

func (s *Service) nodeOrphaned(ctx context.Context, node domain.Node) (bool, string, error) {
	if strings.TrimSpace(node.JobID) == "" {
		return true, "no job owns this in-flight node", nil
	}
	job, err := s.jobs.GetJob(ctx, node.JobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return true, "owning job no longer exists", nil
		}
		return false, "", err
	}
	if job.Status.Terminal() && job.Status != domain.JobStatusSucceeded {
		return true, fmt.Sprintf("owning job terminated with status %s", job.Status), nil
	}
	// A succeeded job that left the node in flight is a missed commit.
	if job.Status == domain.JobStatusSucceeded {
		return true, "owning job succeeded without resolving this node", nil
	}
	return false, "", nil
}

// GetGraphByID returns the graph metadata and contents without a
// reconciliation sweep; coordinators use it for project and cutoff
// lookups.
func (s *Service) GetGraphByID(ctx context.Context, graphID string) (domain.Graph, error) {
	return s.graphs.GetGraph(ctx, graphID)
}

func (s *Service) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	return s.graphs.GetNode(ctx, nodeID)
}

// AssignNodeJob records which job owns an in-flight node, for the
// reconciliation sweep.
func (s *Service) AssignNodeJob(ctx context.Context, nodeID, jobID string) error {
	return s.graphs.AssignNodeJob(ctx, nodeID, jobID)
}

// AddNode admits one node. The store rejects dangling parents and
// ancestry cycles at the write boundary.
func (s *Service) AddNode(ctx context.Context, id Identity, node domain.Node) (domain.Node, error) {
	if strings.TrimSpace(node.ID) == "" {
		node.ID = uuid.NewString()
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = s.now()
	}
	if err := node.Validate(); err != nil {
		return domain.Node{}, err
	}
	if err := s.graphs.CreateNode(ctx, node); err != nil {
		return domain.Node{}, err
	}
	s.appendAudit(ctx, id, "node.created", node.ID, map[string]any{
		"graph_id": node.GraphID,
		"type":     string(node.Type),
	})
	return node, nil
}

// AddEdge admits one edge. Duplicate (from, to, relation) triples and
// structural cycles are rejected by the store.
func (s *Service) AddEdge(ctx context.Context, id Identity, edge domain.Edge) (domain.Edge, error) {
	if strings.TrimSpace(edge.ID) == "" {
		edge.ID = uuid.NewString()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = s.now()
	}
	if err := edge.Validate(); err != nil {
		return domain.Edge{}, err
	}
	if err := s.graphs.CreateEdge(ctx, edge); err != nil {
		return domain.Edge{}, err
	}
	s.appendAudit(ctx, id, "edge.created", edge.ID, map[string]any{
		"graph_id": edge.GraphID,
		"relation": string(edge.Relation),
	})
	return edge, nil
}

// AddExpansionBatch inserts an expansion's nodes and edges atomically.
func (s *Service) AddExpansionBatch(ctx context.Context, id Identity, nodes []domain.Node, edges []domain.Edge) error {
	for i := range nodes {
		if err := nodes[i].Validate(); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
	}
	for i := range edges {
		if err := edges[i].Validate(); err != nil {
			return fmt.Errorf("edge %d: %w", i, err)
		}
	}
	if err := s.graphs.CreateNodesAndEdges(ctx, nodes, edges); err != nil {
		return err
	}
	for _, node := range nodes {
		s.appendAudit(ctx, id, "node.created", node.ID, map[string]any{
			"graph_id": node.GraphID,
			"type":     string(node.Type),
		})
	}
	return nil
}

// TransitionNodeStatus moves a node through its state machine. The check
// runs against the caller's view and again inside the store as a
// compare-and-set, so a stale caller fails rather than skipping a state.
func (s *Service) TransitionNodeStatus(ctx context.Context, id Identity, nodeID string, next domain.NodeStatus, failed *domain.FailedPayload) (domain.Node, error) {
	node, err := s.graphs.GetNode(ctx, nodeID)
	if err != nil {
		return domain.Node{}, err
	}
	if !domain.CanTransitionNodeStatus(node.Type, node.Status, next) {
		return domain.Node{}, fmt.Errorf("%w: %s %s -> %s", domain.ErrInvalidStateTransition, node.Type, node.Status, next)
	}
	if next == domain.NodeStatusFailed && failed == nil {
		return domain.Node{}, errors.New("failed payload is required for FAILED status")
	}
	if err := s.graphs.TransitionNodeStatus(ctx, nodeID, node.Status, next, failed); err != nil {
		return domain.Node{}, err
	}
	s.appendAudit(ctx, id, "node.transitioned", nodeID, map[string]any{
		"from": string(node.Status),
		"to":   string(next),
	})
	return s.graphs.GetNode(ctx, nodeID)
}

// CommitRunResult atomically records a successful run: verified node,
// RUNS_TO edge, and resolution of the draft.
func (s *Service) CommitRunResult(ctx context.Context, id Identity, draftNodeID string, verified domain.Node, edge domain.Edge) error {
	if err := verified.Validate(); err != nil {
		return err
	}
	if err := edge.Validate(); err != nil {
		return err
	}
	if err := s.graphs.CommitRunResult(ctx, draftNodeID, verified, edge); err != nil {
		return err
	}
	s.appendAudit(ctx, id, "node.run_committed", draftNodeID, map[string]any{
		"verified_node_id": verified.ID,
		"graph_id":         verified.GraphID,
	})
	return nil
}

// SetActiveBaseline marks a verified node as the graph's active
// baseline, the anchor future expansions fork from.
func (s *Service) SetActiveBaseline(ctx context.Context, id Identity, graphID, nodeID string) error {
	node, err := s.graphs.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.GraphID != graphID {
		return fmt.Errorf("node %s does not belong to graph %s", nodeID, graphID)
	}
	if node.Type != domain.NodeTypeOutcomeVerified {
		return errors.New("baseline must be an OUTCOME_VERIFIED node")
	}
	if err := s.graphs.SetActiveBaseline(ctx, graphID, nodeID); err != nil {
		return err
	}
	s.appendAudit(ctx, id, "graph.baseline_set", graphID, map[string]any{"node_id": nodeID})
	return nil
}

func (s *Service) appendAudit(ctx context.Context, id Identity, action, resourceID string, payload map[string]any) {
	event := auditlog.Event{
		OccurredAt:   s.now(),
		Actor:        id.actor(),
		Action:       action,
		ResourceType: "graph",
		ResourceID:   resourceID,
		RequestID:    id.RequestID,
		Payload:      payload,
	}
	if _, err := s.audit.Append(ctx, event); err != nil {
		s.log.Warn("audit append failed", slog.String("action", action), slog.String("resource_id", resourceID), slog.String("error", err.Error()))
	}
}
