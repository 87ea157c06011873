package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/repo"
)

// GraphStore persists scenario graphs. Structural integrity is enforced
// inside the writing transaction: cycle checks, parent existence, and
// duplicate edge detection all happen before commit, so a rejected write
// is never partially applied.
type GraphStore struct {
	db DB
}

func NewGraphStore(db DB) *GraphStore {
	if db == nil {
		return nil
	}
	return &GraphStore{db: db}
}

func (s *GraphStore) CreateGraph(ctx context.Context, graph domain.Graph) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("graph store not initialized")
	}
	if err := graph.Validate(); err != nil {
		return err
	}
	var cutoff sql.NullTime
	if !graph.CutoffDate.IsZero() {
		cutoff = sql.NullTime{Time: graph.CutoffDate.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO scenario_graphs (graph_id, project_id, active_baseline_node_id, cutoff_date, created_at)
		 SELECT $1, $2, NULL, $3, $4
		 WHERE NOT EXISTS (SELECT 1 FROM scenario_graphs WHERE project_id = $2)`,
		strings.TrimSpace(graph.ID),
		strings.TrimSpace(graph.ProjectID),
		cutoff,
		normalizeTime(graph.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert graph: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert graph: %w", err)
	}
	if affected == 0 {
		return repo.ErrAlreadyExists
	}
	return nil
}

func (s *GraphStore) GetGraph(ctx context.Context, graphID string) (domain.Graph, error) {
	if s == nil || s.db == nil {
		return domain.Graph{}, fmt.Errorf("graph store not initialized")
	}
	graphID = strings.TrimSpace(graphID)
	if graphID == "" {
		return domain.Graph{}, fmt.Errorf("graph id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT graph_id, project_id, active_baseline_node_id, cutoff_date, created_at
		 FROM scenario_graphs WHERE graph_id = $1`,
		graphID,
	)
	return s.loadGraph(ctx, row)
}

func (s *GraphStore) GetGraphByProject(ctx context.Context, projectID string) (domain.Graph, error) {
	if s == nil || s.db == nil {
		return domain.Graph{}, fmt.Errorf("graph store not initialized")
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.Graph{}, fmt.Errorf("project id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT graph_id, project_id, active_baseline_node_id, cutoff_date, created_at
		 FROM scenario_graphs WHERE project_id = $1`,
		projectID,
	)
	return s.loadGraph(ctx, row)
}

func (s *GraphStore) loadGraph(ctx context.Context, row *sql.Row) (domain.Graph, error) {
	var graph domain.Graph
	var baseline sql.NullString
	var cutoff sql.NullTime
	if err := row.Scan(&graph.ID, &graph.ProjectID, &baseline, &cutoff, &graph.CreatedAt); err != nil {
		return domain.Graph{}, handleNotFound(err)
	}
	if baseline.Valid {
		graph.ActiveBaselineID = baseline.String
	}
	if cutoff.Valid {
		graph.CutoffDate = cutoff.Time.UTC()
	}
	graph.CreatedAt = graph.CreatedAt.UTC()

	nodes, err := s.listNodes(ctx, graph.ID)
	if err != nil {
		return domain.Graph{}, err
	}
	edges, err := s.listEdges(ctx, graph.ID)
	if err != nil {
		return domain.Graph{}, err
	}
	graph.Nodes = nodes
	graph.Edges = edges
	return graph, nil
}

func (s *GraphStore) SetActiveBaseline(ctx context.Context, graphID, nodeID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("graph store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE scenario_graphs SET active_baseline_node_id = $2
		 WHERE graph_id = $1
		   AND EXISTS (SELECT 1 FROM scenario_nodes WHERE node_id = $2 AND graph_id = $1)`,
		strings.TrimSpace(graphID),
		strings.TrimSpace(nodeID),
	)
	if err != nil {
		return fmt.Errorf("set active baseline: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set active baseline: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

const nodeColumns = `node_id, graph_id, node_type, status, title, summary,
	parent_node_id, job_id, payload, failed, links, created_at`

func (s *GraphStore) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	if s == nil || s.db == nil {
		return domain.Node{}, fmt.Errorf("graph store not initialized")
	}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return domain.Node{}, fmt.Errorf("node id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM scenario_nodes WHERE node_id = $1`, nodeID)
	return scanNode(row)
}

func (s *GraphStore) CreateNode(ctx context.Context, node domain.Node) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("graph store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertNode(ctx, tx, node); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *GraphStore) CreateEdge(ctx context.Context, edge domain.Edge) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("graph store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertEdge(ctx, tx, edge); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *GraphStore) CreateNodesAndEdges(ctx context.Context, nodes []domain.Node, edges []domain.Edge) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("graph store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, node := range nodes {
		if err := insertNode(ctx, tx, node); err != nil {
			return err
		}
	}
	for _, edge := range edges {
		if err := insertEdge(ctx, tx, edge); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *GraphStore) AssignNodeJob(ctx context.Context, nodeID, jobID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("graph store not initialized")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE scenario_nodes SET job_id = $2 WHERE node_id = $1`,
		strings.TrimSpace(nodeID),
		nullIfEmpty(jobID),
	)
	if err != nil {
		return fmt.Errorf("assign node job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign node job: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *GraphStore) TransitionNodeStatus(ctx context.Context, nodeID string, from, to domain.NodeStatus, failed *domain.FailedPayload) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("graph store not initialized")
	}
	nodeID = strings.TrimSpace(nodeID)
	var failedJSON []byte
	if to == domain.NodeStatusFailed {
		if failed == nil {
			return fmt.Errorf("failed payload is required for FAILED status")
		}
		encoded, err := json.Marshal(failedRow{
			Stage:         failed.Stage,
			Message:       failed.Message,
			CorrelationID: failed.CorrelationID,
			Retryable:     failed.Retryable,
			Guidance:      failed.Guidance,
		})
		if err != nil {
			return fmt.Errorf("encode failed payload: %w", err)
		}
		failedJSON = encoded
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE scenario_nodes SET status = $3, failed = $4
		 WHERE node_id = $1 AND status = $2`,
		nodeID,
		string(from),
		string(to),
		failedJSON,
	)
	if err != nil {
		return fmt.Errorf("transition node status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition node status: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetNode(ctx, nodeID); getErr != nil {
			return getErr
		}
		return domain.ErrInvalidStateTransition
	}
	return nil
}

func (s *GraphStore) CommitRunResult(ctx context.Context, draftNodeID string, verified domain.Node, edge domain.Edge) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("graph store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE scenario_nodes SET status = $2, failed = NULL
		 WHERE node_id = $1 AND status = $3`,
		strings.TrimSpace(draftNodeID),
		string(domain.NodeStatusResolved),
		string(domain.NodeStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("resolve draft: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve draft: %w", err)
	}
	if affected == 0 {
		return domain.ErrInvalidStateTransition
	}
	if err := insertNode(ctx, tx, verified); err != nil {
		return err
	}
	if err := insertEdge(ctx, tx, edge); err != nil {
		return err
	}
	return tx.Commit()
}

func insertNode(ctx context.Context, tx *sql.Tx, node domain.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	var exists bool
	if err := tx.QueryRowContext(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM scenario_graphs WHERE graph_id = $1)`,
		node.GraphID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check graph: %w", err)
	}
	if !exists {
		return repo.ErrNotFound
	}
	if node.ParentID != "" {
		var parentExists bool
		if err := tx.QueryRowContext(
			ctx,
			`SELECT EXISTS (SELECT 1 FROM scenario_nodes WHERE node_id = $1 AND graph_id = $2)`,
			node.ParentID,
			node.GraphID,
		).Scan(&parentExists); err != nil {
			return fmt.Errorf("check parent: %w", err)
		}
		if !parentExists {
			return repo.ErrNotFound
		}
		isAncestor, err := checkAncestor(ctx, tx, node.ID, node.ParentID)
		if err != nil {
			return err
		}
		if isAncestor {
			return repo.ErrCycleViolation
		}
	}

	payloadJSON, err := encodeNodePayload(node)
	if err != nil {
		return err
	}
	var failedJSON []byte
	if node.Failed != nil {
		failedJSON, err = json.Marshal(failedRow{
			Stage:         node.Failed.Stage,
			Message:       node.Failed.Message,
			CorrelationID: node.Failed.CorrelationID,
			Retryable:     node.Failed.Retryable,
			Guidance:      node.Failed.Guidance,
		})
		if err != nil {
			return fmt.Errorf("encode failed payload: %w", err)
		}
	}
	linksJSON, err := json.Marshal(linksRow{
		RunID:             node.Links.RunID,
		ManifestHash:      node.Links.ManifestHash,
		PersonaSetVersion: node.Links.PersonaSetVersion,
		EvidenceIDs:       node.Links.EvidenceIDs,
	})
	if err != nil {
		return fmt.Errorf("encode links: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO scenario_nodes (`+nodeColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		strings.TrimSpace(node.ID),
		strings.TrimSpace(node.GraphID),
		string(node.Type),
		string(node.Status),
		strings.TrimSpace(node.Title),
		nullIfEmpty(node.Summary),
		nullIfEmpty(node.ParentID),
		nullIfEmpty(node.JobID),
		payloadJSON,
		failedJSON,
		linksJSON,
		normalizeTime(node.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func insertEdge(ctx context.Context, tx *sql.Tx, edge domain.Edge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	var count int
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM scenario_nodes WHERE graph_id = $1 AND node_id IN ($2, $3)`,
		edge.GraphID,
		edge.FromID,
		edge.ToID,
	).Scan(&count); err != nil {
		return fmt.Errorf("check endpoints: %w", err)
	}
	if count != 2 {
		return repo.ErrNotFound
	}
	var duplicate bool
	if err := tx.QueryRowContext(
		ctx,
		`SELECT EXISTS (
			SELECT 1 FROM scenario_edges
			WHERE from_node_id = $1 AND to_node_id = $2 AND relation = $3
		 )`,
		edge.FromID,
		edge.ToID,
		string(edge.Relation),
	).Scan(&duplicate); err != nil {
		return fmt.Errorf("check duplicate edge: %w", err)
	}
	if duplicate {
		return repo.ErrDuplicateEdge
	}
	if edge.Relation.Structural() {
		isAncestor, err := checkAncestor(ctx, tx, edge.ToID, edge.FromID)
		if err != nil {
			return err
		}
		if isAncestor {
			return repo.ErrCycleViolation
		}
	}
	var weight sql.NullFloat64
	if edge.Weight != nil {
		weight = sql.NullFloat64{Float64: *edge.Weight, Valid: true}
	}
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO scenario_edges (edge_id, graph_id, from_node_id, to_node_id, relation, weight, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(edge.ID),
		strings.TrimSpace(edge.GraphID),
		strings.TrimSpace(edge.FromID),
		strings.TrimSpace(edge.ToID),
		string(edge.Relation),
		weight,
		normalizeTime(edge.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrDuplicateEdge
		}
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// ancestryQuery walks parent links and structural edges upward from
// $2 and reports whether $1 appears among its ancestors. The recursive
// part must reference ancestry exactly once, so both link sources are
// folded into a single UNION ALL subquery before the join.
const ancestryQuery = `WITH RECURSIVE ancestry(node_id) AS (
	SELECT $2::text
	UNION
	SELECT links.ancestor_id FROM (
		SELECT n.node_id, n.parent_node_id AS ancestor_id
		FROM scenario_nodes n
		WHERE n.parent_node_id IS NOT NULL
		UNION ALL
		SELECT e.to_node_id, e.from_node_id
		FROM scenario_edges e
		WHERE e.relation IN ('EXPANDS_TO','RUNS_TO','FORKS_FROM')
	) links
	JOIN ancestry a ON links.node_id = a.node_id
 )
 SELECT EXISTS (SELECT 1 FROM ancestry WHERE node_id = $1)`

// checkAncestor reports whether candidate appears in the ancestry of
// nodeID, following parent links and structural edges.
func checkAncestor(ctx context.Context, tx *sql.Tx, candidate, nodeID string) (bool, error) {
	var isAncestor bool
	err := tx.QueryRowContext(ctx, ancestryQuery, candidate, nodeID).Scan(&isAncestor)
	if err != nil {
		return false, fmt.Errorf("check ancestry: %w", err)
	}
	return isAncestor, nil
}

func (s *GraphStore) listNodes(ctx context.Context, graphID string) ([]domain.Node, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+nodeColumns+` FROM scenario_nodes WHERE graph_id = $1 ORDER BY created_at ASC, node_id ASC`,
		graphID,
	)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	nodes := make([]domain.Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

func (s *GraphStore) listEdges(ctx context.Context, graphID string) ([]domain.Edge, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT edge_id, graph_id, from_node_id, to_node_id, relation, weight, created_at
		 FROM scenario_edges WHERE graph_id = $1 ORDER BY created_at ASC, edge_id ASC`,
		graphID,
	)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()
	edges := make([]domain.Edge, 0)
	for rows.Next() {
		var edge domain.Edge
		var relation string
		var weight sql.NullFloat64
		if err := rows.Scan(&edge.ID, &edge.GraphID, &edge.FromID, &edge.ToID, &relation, &weight, &edge.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edge.Relation = domain.EdgeRelation(relation)
		if weight.Valid {
			w := weight.Float64
			edge.Weight = &w
		}
		edge.CreatedAt = edge.CreatedAt.UTC()
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return edges, nil
}

type verifiedRow struct {
	Probability       float64            `json:"probability"`
	Delta             float64            `json:"delta"`
	Uncertainty       float64            `json:"uncertainty,omitempty"`
	Drivers           []string           `json:"drivers,omitempty"`
	SegmentShifts     map[string]float64 `json:"segment_shifts,omitempty"`
	RunID             string             `json:"run_id,omitempty"`
	PersonaSetVersion string             `json:"persona_set_version,omitempty"`
	CutoffSnapshot    string             `json:"cutoff_snapshot,omitempty"`
}

type draftRow struct {
	EstimatedDelta float64          `json:"estimated_delta"`
	Confidence     string           `json:"confidence"`
	Rationale      []string         `json:"rationale,omitempty"`
	EvidenceRefs   []evidenceRefRow `json:"evidence_refs,omitempty"`
}

type evidenceRefRow struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	SourceURL  string     `json:"source_url,omitempty"`
	SourceDate *time.Time `json:"source_date,omitempty"`
	RawDate    string     `json:"raw_date,omitempty"`
	Compliance string     `json:"compliance,omitempty"`
}

type evidenceRow struct {
	SourceURL  string     `json:"source_url,omitempty"`
	SourceDate *time.Time `json:"source_date,omitempty"`
	Excerpt    string     `json:"excerpt,omitempty"`
	Compliance string     `json:"compliance,omitempty"`
}

type failedRow struct {
	Stage         string `json:"stage"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Retryable     bool   `json:"retryable"`
	Guidance      string `json:"guidance,omitempty"`
}

type linksRow struct {
	RunID             string   `json:"run_id,omitempty"`
	ManifestHash      string   `json:"manifest_hash,omitempty"`
	PersonaSetVersion string   `json:"persona_set_version,omitempty"`
	EvidenceIDs       []string `json:"evidence_ids,omitempty"`
}

func encodeNodePayload(node domain.Node) ([]byte, error) {
	switch node.Type {
	case domain.NodeTypeOutcomeVerified:
		return json.Marshal(verifiedRow{
			Probability:       node.Verified.Probability,
			Delta:             node.Verified.Delta,
			Uncertainty:       node.Verified.Uncertainty,
			Drivers:           node.Verified.Drivers,
			SegmentShifts:     node.Verified.SegmentShifts,
			RunID:             node.Verified.RunID,
			PersonaSetVersion: node.Verified.PersonaSetVersion,
			CutoffSnapshot:    node.Verified.CutoffSnapshot,
		})
	case domain.NodeTypeScenarioDraft:
		refs := make([]evidenceRefRow, 0, len(node.Draft.EvidenceRefs))
		for _, ref := range node.Draft.EvidenceRefs {
			refs = append(refs, evidenceRefRow{
				ID:         ref.ID,
				Title:      ref.Title,
				SourceURL:  ref.SourceURL,
				SourceDate: ref.SourceDate,
				RawDate:    ref.RawDate,
				Compliance: string(ref.Compliance),
			})
		}
		return json.Marshal(draftRow{
			EstimatedDelta: node.Draft.EstimatedDelta,
			Confidence:     string(node.Draft.Confidence),
			Rationale:      node.Draft.Rationale,
			EvidenceRefs:   refs,
		})
	case domain.NodeTypeEvidence:
		return json.Marshal(evidenceRow{
			SourceURL:  node.Evidence.SourceURL,
			SourceDate: node.Evidence.SourceDate,
			Excerpt:    node.Evidence.Excerpt,
			Compliance: string(node.Evidence.Compliance),
		})
	}
	return nil, fmt.Errorf("unknown node type %q", node.Type)
}

func scanNode(row rowScanner) (domain.Node, error) {
	var node domain.Node
	var nodeType string
	var status string
	var summary sql.NullString
	var parentID sql.NullString
	var jobID sql.NullString
	var payloadJSON []byte
	var failedJSON []byte
	var linksJSON []byte
	if err := row.Scan(
		&node.ID,
		&node.GraphID,
		&nodeType,
		&status,
		&node.Title,
		&summary,
		&parentID,
		&jobID,
		&payloadJSON,
		&failedJSON,
		&linksJSON,
		&node.CreatedAt,
	); err != nil {
		return domain.Node{}, handleNotFound(err)
	}
	node.Type = domain.NodeType(nodeType)
	node.Status = domain.NodeStatus(status)
	if summary.Valid {
		node.Summary = summary.String
	}
	if parentID.Valid {
		node.ParentID = parentID.String
	}
	if jobID.Valid {
		node.JobID = jobID.String
	}
	node.CreatedAt = node.CreatedAt.UTC()

	switch node.Type {
	case domain.NodeTypeOutcomeVerified:
		var vr verifiedRow
		if err := json.Unmarshal(payloadJSON, &vr); err != nil {
			return domain.Node{}, fmt.Errorf("decode verified payload: %w", err)
		}
		node.Verified = &domain.VerifiedPayload{
			Probability:       vr.Probability,
			Delta:             vr.Delta,
			Uncertainty:       vr.Uncertainty,
			Drivers:           vr.Drivers,
			SegmentShifts:     vr.SegmentShifts,
			RunID:             vr.RunID,
			PersonaSetVersion: vr.PersonaSetVersion,
			CutoffSnapshot:    vr.CutoffSnapshot,
		}
	case domain.NodeTypeScenarioDraft:
		var dr draftRow
		if err := json.Unmarshal(payloadJSON, &dr); err != nil {
			return domain.Node{}, fmt.Errorf("decode draft payload: %w", err)
		}
		refs := make([]domain.EvidenceRef, 0, len(dr.EvidenceRefs))
		for _, ref := range dr.EvidenceRefs {
			refs = append(refs, domain.EvidenceRef{
				ID:         ref.ID,
				Title:      ref.Title,
				SourceURL:  ref.SourceURL,
				SourceDate: ref.SourceDate,
				RawDate:    ref.RawDate,
				Compliance: domain.ComplianceVerdict(ref.Compliance),
			})
		}
		node.Draft = &domain.DraftPayload{
			EstimatedDelta: dr.EstimatedDelta,
			Confidence:     domain.Confidence(dr.Confidence),
			Rationale:      dr.Rationale,
			EvidenceRefs:   refs,
		}
	case domain.NodeTypeEvidence:
		var er evidenceRow
		if err := json.Unmarshal(payloadJSON, &er); err != nil {
			return domain.Node{}, fmt.Errorf("decode evidence payload: %w", err)
		}
		node.Evidence = &domain.EvidencePayload{
			SourceURL:  er.SourceURL,
			SourceDate: er.SourceDate,
			Excerpt:    er.Excerpt,
			Compliance: domain.ComplianceVerdict(er.Compliance),
		}
	}
	if len(failedJSON) > 0 {
		var fr failedRow
		if err := json.Unmarshal(failedJSON, &fr); err != nil {
			return domain.Node{}, fmt.Errorf("decode failed payload: %w", err)
		}
		node.Failed = &domain.FailedPayload{
			Stage:         fr.Stage,
			Message:       fr.Message,
			CorrelationID: fr.CorrelationID,
			Retryable:     fr.Retryable,
			Guidance:      fr.Guidance,
		}
	}
	if len(linksJSON) > 0 {
		var lr linksRow
		if err := json.Unmarshal(linksJSON, &lr); err != nil {
			return domain.Node{}, fmt.Errorf("decode links: %w", err)
		}
		node.Links = domain.NodeLinks{
			RunID:             lr.RunID,
			ManifestHash:      lr.ManifestHash,
			PersonaSetVersion: lr.PersonaSetVersion,
			EvidenceIDs:       lr.EvidenceIDs,
		}
	}
	return node, nil
}
