package domain

import (
	"errors"
	"strings"
	"time"
)

// NodeType discriminates the payload carried by a graph node.
type NodeType string

const (
	NodeTypeOutcomeVerified NodeType = "OUTCOME_VERIFIED"
	NodeTypeScenarioDraft   NodeType = "SCENARIO_DRAFT"
	NodeTypeEvidence        NodeType = "EVIDENCE"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeOutcomeVerified, NodeTypeScenarioDraft, NodeTypeEvidence:
		return true
	}
	return false
}

// NodeStatus represents the lifecycle state of a graph node.
type NodeStatus string

const (
	NodeStatusDraft   NodeStatus = "DRAFT"
	NodeStatusQueued  NodeStatus = "QUEUED"
	NodeStatusRunning NodeStatus = "RUNNING"
	NodeStatusDone    NodeStatus = "DONE"
	NodeStatusFailed  NodeStatus = "FAILED"

	// NodeStatusResolved is the terminal marker for an executed draft.
	// A draft never becomes DONE itself: its successful run creates a new
	// verified node connected via a RUNS_TO edge, and the draft is marked
	// resolved.
	NodeStatusResolved NodeStatus = "RESOLVED"
)

// Terminal reports whether the status admits no further transitions.
// FAILED is terminal for the attempt but may be requeued for a retry.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusDone, NodeStatusResolved, NodeStatusFailed:
		return true
	}
	return false
}

// CanTransitionNodeStatus enforces the node state machine per type.
// Drafts follow DRAFT -> QUEUED -> RUNNING -> {RESOLVED, FAILED}, with
// FAILED -> QUEUED as the retry edge. Transitions never skip states and
// never regress past a terminal resolution.
func CanTransitionNodeStatus(t NodeType, current, next NodeStatus) bool {
	if t != NodeTypeScenarioDraft {
		return false
	}
	switch current {
	case NodeStatusDraft:
		return next == NodeStatusQueued
	case NodeStatusQueued:
		return next == NodeStatusRunning
	case NodeStatusRunning:
		return next == NodeStatusResolved || next == NodeStatusFailed
	case NodeStatusFailed:
		return next == NodeStatusQueued
	}
	return false
}

// Confidence grades a draft scenario estimate.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// VerifiedPayload is the outcome of a completed simulation run.
type VerifiedPayload struct {
	Probability       float64
	Delta             float64
	Uncertainty       float64
	Drivers           []string
	SegmentShifts     map[string]float64
	RunID             string
	PersonaSetVersion string
	CutoffSnapshot    string
}

// DraftPayload describes a not-yet-executed hypothetical branch.
type DraftPayload struct {
	EstimatedDelta float64
	Confidence     Confidence
	Rationale      []string
	EvidenceRefs   []EvidenceRef
}

// FailedPayload records why a node's run failed, with enough context for
// a human to decide on retry.
type FailedPayload struct {
	Stage         string
	Message       string
	CorrelationID string
	Retryable     bool
	Guidance      string
}

// EvidencePayload carries the source details of an evidence node.
type EvidencePayload struct {
	SourceURL  string
	SourceDate *time.Time
	Excerpt    string
	Compliance ComplianceVerdict
}

// NodeLinks ties a node to the executions and evidence behind it.
type NodeLinks struct {
	RunID             string
	ManifestHash      string
	PersonaSetVersion string
	EvidenceIDs       []string
}

// Node is a vertex in a scenario graph. Exactly one payload field
// matching the node type is set; consumers switch on Type and handle
// every variant.
type Node struct {
	ID        string
	GraphID   string
	Type      NodeType
	Status    NodeStatus
	Title     string
	Summary   string
	ParentID  string
	JobID     string
	Verified  *VerifiedPayload
	Draft     *DraftPayload
	Failed    *FailedPayload
	Evidence  *EvidencePayload
	Links     NodeLinks
	CreatedAt time.Time
}

func (n Node) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return errors.New("node id is required")
	}
	if strings.TrimSpace(n.GraphID) == "" {
		return errors.New("graph id is required")
	}
	if !n.Type.Valid() {
		return errors.New("node type is invalid")
	}
	if strings.TrimSpace(n.Title) == "" {
		return errors.New("node title is required")
	}
	switch n.Type {
	case NodeTypeOutcomeVerified:
		if n.Verified == nil {
			return errors.New("verified payload is required")
		}
		if n.Status != NodeStatusDone {
			return errors.New("verified node must be DONE")
		}
		if n.Verified.Probability < 0 || n.Verified.Probability > 1 {
			return errors.New("probability must be within 0-1")
		}
	case NodeTypeScenarioDraft:
		if n.Draft == nil {
			return errors.New("draft payload is required")
		}
		if n.Status == NodeStatusDone {
			return errors.New("draft node must not be DONE")
		}
		if !n.Draft.Confidence.Valid() {
			return errors.New("draft confidence is invalid")
		}
	case NodeTypeEvidence:
		if n.Evidence == nil {
			return errors.New("evidence payload is required")
		}
	}
	if n.Status == NodeStatusFailed && n.Failed == nil {
		return errors.New("failed payload is required for FAILED status")
	}
	return nil
}

// EdgeRelation types a directed relation between two nodes.
type EdgeRelation string

const (
	EdgeExpandsTo EdgeRelation = "EXPANDS_TO"
	EdgeRunsTo    EdgeRelation = "RUNS_TO"
	EdgeForksFrom EdgeRelation = "FORKS_FROM"
	EdgeSupports  EdgeRelation = "SUPPORTS"
	EdgeConflicts EdgeRelation = "CONFLICTS"
)

func (r EdgeRelation) Valid() bool {
	switch r {
	case EdgeExpandsTo, EdgeRunsTo, EdgeForksFrom, EdgeSupports, EdgeConflicts:
		return true
	}
	return false
}

// Structural reports whether the relation participates in ancestry and
// therefore in the acyclicity invariant. Evidence links do not.
func (r EdgeRelation) Structural() bool {
	switch r {
	case EdgeExpandsTo, EdgeRunsTo, EdgeForksFrom:
		return true
	}
	return false
}

// Edge is an immutable directed relation between two nodes.
type Edge struct {
	ID        string
	GraphID   string
	FromID    string
	ToID      string
	Relation  EdgeRelation
	Weight    *float64
	CreatedAt time.Time
}

func (e Edge) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("edge id is required")
	}
	if strings.TrimSpace(e.GraphID) == "" {
		return errors.New("graph id is required")
	}
	if strings.TrimSpace(e.FromID) == "" || strings.TrimSpace(e.ToID) == "" {
		return errors.New("edge endpoints are required")
	}
	if e.FromID == e.ToID {
		return errors.New("edge endpoints must differ")
	}
	if !e.Relation.Valid() {
		return errors.New("edge relation is invalid")
	}
	return nil
}

// Graph is the scenario graph for one project.
type Graph struct {
	ID               string
	ProjectID        string
	ActiveBaselineID string
	CutoffDate       time.Time
	Nodes            []Node
	Edges            []Edge
	CreatedAt        time.Time
}

func (g Graph) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return errors.New("graph id is required")
	}
	if strings.TrimSpace(g.ProjectID) == "" {
		return errors.New("project id is required")
	}
	return nil
}
