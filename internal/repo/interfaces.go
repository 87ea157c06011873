package repo

import (
	"context"
	"errors"

	"github.com/foresight-labs/foresight-go/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateActiveJob is returned when a non-terminal job already owns
// the submitted idempotency key. Callers treat it as "already in
// progress", not a failure to surface.
var ErrDuplicateActiveJob = errors.New("duplicate active job for idempotency key")

// ErrDuplicateEdge is returned when an edge with identical
// (from, to, relation) already exists.
var ErrDuplicateEdge = errors.New("duplicate edge")

// ErrAlreadyExists is returned when a uniquely-scoped record (one graph
// per project) already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrCycleViolation is returned when a node or edge write would make a
// node its own ancestor. Rejected at the write boundary, never partially
// applied.
var ErrCycleViolation = errors.New("cycle violation")

type JobFilter struct {
	ProjectID  string
	Type       domain.JobType
	Status     domain.JobStatus
	ActiveOnly bool
	Limit      int
}

type ArtifactFilter struct {
	ProjectID string
	JobID     string
	Limit     int
}

// JobRepository manages job records. CreateJob is the atomic admission
// point: it must refuse the insert when a non-terminal job already holds
// the same idempotency key, in a single conditional write rather than a
// check-then-act sequence.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id string) (domain.Job, error)
	GetActiveJobByKey(ctx context.Context, idempotencyKey string) (domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)

	// UpdateJobProgress persists worker progress for a running job.
	UpdateJobProgress(ctx context.Context, id string, stageName, stageMessage string, progressPercent int) error

	// TransitionJobStatus flips status only when the current status
	// matches from; a mismatch returns domain.ErrInvalidStateTransition.
	TransitionJobStatus(ctx context.Context, id string, from, to domain.JobStatus, errorMessage string) error

	// ClaimNextJob atomically selects the oldest queued job and marks it
	// running. ErrNotFound when the queue is empty.
	ClaimNextJob(ctx context.Context) (domain.Job, error)
}

// ArtifactRepository manages immutable job artifacts.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) error
	GetArtifact(ctx context.Context, id string) (domain.Artifact, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.Artifact, error)
}

// GraphRepository manages scenario graphs. Structural integrity (cycles,
// dangling parents, duplicate edges) is enforced at the write boundary.
type GraphRepository interface {
	CreateGraph(ctx context.Context, graph domain.Graph) error
	GetGraph(ctx context.Context, graphID string) (domain.Graph, error)
	GetGraphByProject(ctx context.Context, projectID string) (domain.Graph, error)
	SetActiveBaseline(ctx context.Context, graphID, nodeID string) error

	GetNode(ctx context.Context, nodeID string) (domain.Node, error)
	CreateNode(ctx context.Context, node domain.Node) error
	CreateEdge(ctx context.Context, edge domain.Edge) error

	// AssignNodeJob records which job currently owns an in-flight node.
	AssignNodeJob(ctx context.Context, nodeID, jobID string) error

	// CreateNodesAndEdges inserts an expansion batch in one transaction:
	// either every node and edge lands or none do.
	CreateNodesAndEdges(ctx context.Context, nodes []domain.Node, edges []domain.Edge) error

	// TransitionNodeStatus flips status only when the current status
	// matches from; a mismatch returns domain.ErrInvalidStateTransition.
	// failed is persisted alongside a transition to FAILED.
	TransitionNodeStatus(ctx context.Context, nodeID string, from, to domain.NodeStatus, failed *domain.FailedPayload) error

	// CommitRunResult atomically records a successful run: inserts the
	// verified node, the RUNS_TO edge, and resolves the draft.
	CommitRunResult(ctx context.Context, draftNodeID string, verified domain.Node, edge domain.Edge) error
}
