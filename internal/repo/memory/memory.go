package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/repo"
)

// Store is an in-memory implementation of the repository interfaces,
// used in dev mode and by tests. All maps share one mutex so that the
// conditional writes (idempotency admission, status CAS, batch inserts)
// are atomic, matching the transactional guarantees of the postgres
// implementation.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	artifacts map[string]domain.Artifact
	graphs    map[string]domain.Graph
	nodes     map[string]domain.Node
	edges     map[string]domain.Edge
	now       func() time.Time
}

func New() *Store {
	return &Store{
		jobs:      map[string]domain.Job{},
		artifacts: map[string]domain.Artifact{},
		graphs:    map[string]domain.Graph{},
		nodes:     map[string]domain.Node{},
		edges:     map[string]domain.Edge{},
		now:       time.Now,
	}
}

func (s *Store) CreateJob(ctx context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.IdempotencyKey == job.IdempotencyKey && !existing.Status.Terminal() {
			return repo.ErrDuplicateActiveJob
		}
	}
	job.Payload = job.Payload.Clone()
	s.jobs[job.ID] = job
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(id)]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, nil
}

func (s *Store) GetActiveJobByKey(ctx context.Context, idempotencyKey string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.IdempotencyKey == idempotencyKey && !job.Status.Terminal() {
			return job, nil
		}
	}
	return domain.Job{}, repo.ErrNotFound
}

func (s *Store) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0)
	for _, job := range s.jobs {
		if filter.ProjectID != "" && job.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.ActiveOnly && job.Status.Terminal() {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateJobProgress(ctx context.Context, id string, stageName, stageMessage string, progressPercent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if stageName != "" {
		job.StageName = stageName
	}
	if stageMessage != "" {
		job.StageMessage = stageMessage
	}
	// Progress never regresses, matching the GREATEST clause in the
	// postgres implementation.
	if progressPercent > job.ProgressPercent {
		job.ProgressPercent = progressPercent
	}
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Store) TransitionJobStatus(ctx context.Context, id string, from, to domain.JobStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if job.Status != from {
		return domain.ErrInvalidStateTransition
	}
	job.Status = to
	if errorMessage != "" {
		job.ErrorMessage = errorMessage
	}
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Store) ClaimNextJob(ctx context.Context) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *domain.Job
	for id := range s.jobs {
		job := s.jobs[id]
		if job.Status != domain.JobStatusQueued {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = &job
		}
	}
	if oldest == nil {
		return domain.Job{}, repo.ErrNotFound
	}
	claimed := *oldest
	claimed.Status = domain.JobStatusRunning
	claimed.UpdatedAt = s.now().UTC()
	s.jobs[claimed.ID] = claimed
	return claimed, nil
}

func (s *Store) CreateArtifact(ctx context.Context, artifact domain.Artifact) error {
	if err := artifact.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.ID] = artifact
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[strings.TrimSpace(id)]
	if !ok {
		return domain.Artifact{}, repo.ErrNotFound
	}
	return artifact, nil
}

func (s *Store) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Artifact, 0)
	for _, artifact := range s.artifacts {
		if filter.ProjectID != "" && artifact.ProjectID != filter.ProjectID {
			continue
		}
		if filter.JobID != "" && artifact.JobID != filter.JobID {
			continue
		}
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CreateGraph(ctx context.Context, graph domain.Graph) error {
	if err := graph.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.graphs {
		if existing.ProjectID == graph.ProjectID {
			return repo.ErrAlreadyExists
		}
	}
	graph.Nodes = nil
	graph.Edges = nil
	s.graphs[graph.ID] = graph
	return nil
}

func (s *Store) GetGraph(ctx context.Context, graphID string) (domain.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	graph, ok := s.graphs[strings.TrimSpace(graphID)]
	if !ok {
		return domain.Graph{}, repo.ErrNotFound
	}
	out := graph
	out.Nodes = s.nodesForGraph(graph.ID)
	out.Edges = s.edgesForGraph(graph.ID)
	return out, nil
}

func (s *Store) GetGraphByProject(ctx context.Context, projectID string) (domain.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, graph := range s.graphs {
		if graph.ProjectID == projectID {
			out := graph
			out.Nodes = s.nodesForGraph(graph.ID)
			out.Edges = s.edgesForGraph(graph.ID)
			return out, nil
		}
	}
	return domain.Graph{}, repo.ErrNotFound
}

func (s *Store) nodesForGraph(graphID string) []domain.Node {
	nodes := make([]domain.Node, 0)
	for _, node := range s.nodes {
		if node.GraphID == graphID {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
	return nodes
}

func (s *Store) edgesForGraph(graphID string) []domain.Edge {
	edges := make([]domain.Edge, 0)
	for _, edge := range s.edges {
		if edge.GraphID == graphID {
			edges = append(edges, edge)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].ID < edges[j].ID
		}
		return edges[i].CreatedAt.Before(edges[j].CreatedAt)
	})
	return edges
}

func (s *Store) SetActiveBaseline(ctx context.Context, graphID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	graph, ok := s.graphs[graphID]
	if !ok {
		return repo.ErrNotFound
	}
	node, ok := s.nodes[nodeID]
	if !ok || node.GraphID != graphID {
		return repo.ErrNotFound
	}
	graph.ActiveBaselineID = nodeID
	s.graphs[graphID] = graph
	return nil
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[strings.TrimSpace(nodeID)]
	if !ok {
		return domain.Node{}, repo.ErrNotFound
	}
	return node, nil
}

func (s *Store) CreateNode(ctx context.Context, node domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createNodeLocked(node)
}

func (s *Store) createNodeLocked(node domain.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	if _, ok := s.graphs[node.GraphID]; !ok {
		return repo.ErrNotFound
	}
	if node.ParentID != "" {
		parent, ok := s.nodes[node.ParentID]
		if !ok || parent.GraphID != node.GraphID {
			return repo.ErrNotFound
		}
		if s.isAncestorLocked(node.ID, node.ParentID) {
			return repo.ErrCycleViolation
		}
	}
	s.nodes[node.ID] = node
	return nil
}

func (s *Store) CreateEdge(ctx context.Context, edge domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createEdgeLocked(edge)
}

func (s *Store) createEdgeLocked(edge domain.Edge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	from, ok := s.nodes[edge.FromID]
	if !ok || from.GraphID != edge.GraphID {
		return repo.ErrNotFound
	}
	to, ok := s.nodes[edge.ToID]
	if !ok || to.GraphID != edge.GraphID {
		return repo.ErrNotFound
	}
	for _, existing := range s.edges {
		if existing.FromID == edge.FromID && existing.ToID == edge.ToID && existing.Relation == edge.Relation {
			return repo.ErrDuplicateEdge
		}
	}
	if edge.Relation.Structural() && s.isAncestorLocked(edge.ToID, edge.FromID) {
		return repo.ErrCycleViolation
	}
	s.edges[edge.ID] = edge
	return nil
}

// isAncestorLocked reports whether candidate is an ancestor of nodeID
// through parent links or structural edges.
func (s *Store) isAncestorLocked(candidate, nodeID string) bool {
	seen := map[string]bool{}
	stack := []string{nodeID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == candidate {
			return true
		}
		if seen[current] {
			continue
		}
		seen[current] = true
		if node, ok := s.nodes[current]; ok && node.ParentID != "" {
			stack = append(stack, node.ParentID)
		}
		for _, edge := range s.edges {
			if edge.Relation.Structural() && edge.ToID == current {
				stack = append(stack, edge.FromID)
			}
		}
	}
	return false
}

func (s *Store) CreateNodesAndEdges(ctx context.Context, nodes []domain.Node, edges []domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	insertedNodes := make([]string, 0, len(nodes))
	insertedEdges := make([]string, 0, len(edges))
	rollback := func() {
		for _, id := range insertedNodes {
			delete(s.nodes, id)
		}
		for _, id := range insertedEdges {
			delete(s.edges, id)
		}
	}
	for _, node := range nodes {
		if err := s.createNodeLocked(node); err != nil {
			rollback()
			return err
		}
		insertedNodes = append(insertedNodes, node.ID)
	}
	for _, edge := range edges {
		if err := s.createEdgeLocked(edge); err != nil {
			rollback()
			return err
		}
		insertedEdges = append(insertedEdges, edge.ID)
	}
	return nil
}

func (s *Store) AssignNodeJob(ctx context.Context, nodeID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[strings.TrimSpace(nodeID)]
	if !ok {
		return repo.ErrNotFound
	}
	node.JobID = strings.TrimSpace(jobID)
	s.nodes[node.ID] = node
	return nil
}

func (s *Store) TransitionNodeStatus(ctx context.Context, nodeID string, from, to domain.NodeStatus, failed *domain.FailedPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return repo.ErrNotFound
	}
	if node.Status != from {
		return domain.ErrInvalidStateTransition
	}
	node.Status = to
	if to == domain.NodeStatusFailed {
		node.Failed = failed
	} else {
		node.Failed = nil
	}
	s.nodes[nodeID] = node
	return nil
}

func (s *Store) CommitRunResult(ctx context.Context, draftNodeID string, verified domain.Node, edge domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft, ok := s.nodes[draftNodeID]
	if !ok {
		return repo.ErrNotFound
	}
	if draft.Status != domain.NodeStatusRunning {
		return domain.ErrInvalidStateTransition
	}
	if err := s.createNodeLocked(verified); err != nil {
		return err
	}
	if err := s.createEdgeLocked(edge); err != nil {
		delete(s.nodes, verified.ID)
		return err
	}
	draft.Status = domain.NodeStatusResolved
	draft.Failed = nil
	s.nodes[draftNodeID] = draft
	return nil
}
