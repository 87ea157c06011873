package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/planner"
	"github.com/foresight-labs/foresight-go/internal/platform/httpserver"
	"github.com/foresight-labs/foresight-go/internal/repo"
	"github.com/foresight-labs/foresight-go/internal/service/expansion"
	"github.com/foresight-labs/foresight-go/internal/service/graph"
	"github.com/foresight-labs/foresight-go/internal/service/jobs"
	"github.com/foresight-labs/foresight-go/internal/service/runs"
)

type engineAPI struct {
	logger     *slog.Logger
	jobs       *jobs.Service
	graphs     *graph.Service
	expansions *expansion.Coordinator
	runs       *runs.Coordinator
	planner    *planner.Planner
}

func newEngineAPI(logger *slog.Logger, jobService *jobs.Service, graphService *graph.Service, expansions *expansion.Coordinator, runCoordinator *runs.Coordinator, p *planner.Planner) *engineAPI {
	return &engineAPI{
		logger:     logger,
		jobs:       jobService,
		graphs:     graphService,
		expansions: expansions,
		runs:       runCoordinator,
		planner:    p,
	}
}

func (api *engineAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /projects/{project_id}/jobs", api.handleSubmitJob)
	mux.HandleFunc("GET /projects/{project_id}/jobs", api.handleListJobs)
	mux.HandleFunc("GET /jobs/{job_id}", api.handleGetJob)
	mux.HandleFunc("POST /jobs/{job_id}/cancel", api.handleCancelJob)
	mux.HandleFunc("POST /jobs/{job_id}/retry", api.handleRetryJob)
	mux.HandleFunc("GET /jobs/{job_id}/artifacts", api.handleListJobArtifacts)
	mux.HandleFunc("GET /artifacts/{artifact_id}", api.handleGetArtifact)
	mux.HandleFunc("GET /artifacts/{artifact_id}/payload", api.handleGetArtifactPayload)

	mux.HandleFunc("POST /projects/{project_id}/graph", api.handleCreateGraph)
	mux.HandleFunc("GET /projects/{project_id}/graph", api.handleGetGraph)
	mux.HandleFunc("POST /graphs/{graph_id}/baseline", api.handleSetBaseline)

	mux.HandleFunc("POST /nodes/{node_id}/expand", api.handleExpandNode)
	mux.HandleFunc("POST /nodes/{node_id}/run", api.handleRunNode)

	mux.HandleFunc("POST /planner/search", api.handlePlannerSearch)
}

// identity derives the acting subject from the internal gateway header.
// The gateway authenticates callers; the engine only records who acted.
func (api *engineAPI) identity(r *http.Request) jobs.Identity {
	actor := strings.TrimSpace(r.Header.Get("X-Internal-Subject"))
	if actor == "" {
		actor = "system"
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	return jobs.Identity{Actor: actor, RequestID: requestID}
}

func (api *engineAPI) graphIdentity(r *http.Request) graph.Identity {
	id := api.identity(r)
	return graph.Identity{Actor: id.Actor, RequestID: id.RequestID}
}

type jobResponse struct {
	JobID           string         `json:"job_id"`
	ProjectID       string         `json:"project_id"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	StageName       string         `json:"stage_name,omitempty"`
	StageMessage    string         `json:"stage_message,omitempty"`
	StagesTotal     int            `json:"stages_total,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	IdempotencyKey  string         `json:"idempotency_key"`
	Payload         map[string]any `json:"payload,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func toJobResponse(job domain.Job) jobResponse {
	return jobResponse{
		JobID:           job.ID,
		ProjectID:       job.ProjectID,
		Type:            string(job.Type),
		Status:          string(job.Status),
		ProgressPercent: job.ProgressPercent,
		StageName:       job.StageName,
		StageMessage:    job.StageMessage,
		StagesTotal:     job.StagesTotal,
		RetryCount:      job.RetryCount,
		MaxRetries:      job.MaxRetries,
		IdempotencyKey:  job.IdempotencyKey,
		Payload:         job.Payload,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

type submitJobRequest struct {
	Type           string         `json:"type"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	InputVersion   string         `json:"input_version,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	StagesTotal    int            `json:"stages_total,omitempty"`
}

func (api *engineAPI) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	jobType := domain.NormalizeJobType(req.Type)
	if jobType == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_job_type")
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		version := strings.TrimSpace(req.InputVersion)
		if version == "" {
			version = "v1"
		}
		key = jobs.IdempotencyKey(projectID, jobType, version)
	}

	job, created, err := api.jobs.Submit(r.Context(), api.identity(r), jobs.SubmitInput{
		ProjectID:      projectID,
		Type:           jobType,
		IdempotencyKey: key,
		Payload:        domain.Metadata(req.Payload),
		MaxRetries:     req.MaxRetries,
		StagesTotal:    req.StagesTotal,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.writeJSON(w, status, toJobResponse(job))
}

func (api *engineAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.Get(r.Context(), r.PathValue("job_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (api *engineAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	filter := repo.JobFilter{
		ProjectID: projectID,
		Type:      domain.NormalizeJobType(r.URL.Query().Get("type")),
		Limit:     parseIntQuery(r, "limit", 100),
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filter.Status = domain.JobStatus(status)
	}
	if active := strings.TrimSpace(r.URL.Query().Get("active")); active == "1" || strings.EqualFold(active, "true") {
		filter.ActiveOnly = true
	}
	list, err := api.jobs.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]jobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, toJobResponse(job))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (api *engineAPI) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.Cancel(r.Context(), api.identity(r), r.PathValue("job_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (api *engineAPI) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.Resubmit(r.Context(), api.identity(r), r.PathValue("job_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toJobResponse(job))
}

type artifactResponse struct {
	ArtifactID     string    `json:"artifact_id"`
	JobID          string    `json:"job_id"`
	ProjectID      string    `json:"project_id"`
	Name           string    `json:"name"`
	ContentType    string    `json:"content_type"`
	ObjectKey      string    `json:"object_key"`
	SHA256         string    `json:"sha256"`
	SizeBytes      int64     `json:"size_bytes"`
	AlignmentScore *float64  `json:"alignment_score,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toArtifactResponse(a domain.Artifact) artifactResponse {
	return artifactResponse{
		ArtifactID:     a.ID,
		JobID:          a.JobID,
		ProjectID:      a.ProjectID,
		Name:           a.Name,
		ContentType:    a.ContentType,
		ObjectKey:      a.ObjectKey,
		SHA256:         a.SHA256,
		SizeBytes:      a.SizeBytes,
		AlignmentScore: a.AlignmentScore,
		CreatedAt:      a.CreatedAt,
	}
}

func (api *engineAPI) handleListJobArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := api.jobs.ListArtifacts(r.Context(), repo.ArtifactFilter{JobID: r.PathValue("job_id")})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]artifactResponse, 0, len(list))
	for _, artifact := range list {
		out = append(out, toArtifactResponse(artifact))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

func (api *engineAPI) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := api.jobs.GetArtifact(r.Context(), r.PathValue("artifact_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toArtifactResponse(artifact))
}

func (api *engineAPI) handleGetArtifactPayload(w http.ResponseWriter, r *http.Request) {
	artifact, data, err := api.jobs.ArtifactPayload(r.Context(), r.PathValue("artifact_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(int64(len(data)), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type nodeResponse struct {
	NodeID    string          `json:"node_id"`
	GraphID   string          `json:"graph_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary,omitempty"`
	ParentID  string          `json:"parent_node_id,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Verified  *verifiedView   `json:"verified,omitempty"`
	Draft     *draftView      `json:"draft,omitempty"`
	Failed    *failedView     `json:"failed,omitempty"`
	Evidence  *evidenceView   `json:"evidence,omitempty"`
	Links     *nodeLinksView  `json:"links,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type verifiedView struct {
	Probability       float64            `json:"probability"`
	Delta             float64            `json:"delta"`
	Uncertainty       float64            `json:"uncertainty,omitempty"`
	Drivers           []string           `json:"drivers,omitempty"`
	SegmentShifts     map[string]float64 `json:"segment_shifts,omitempty"`
	RunID             string             `json:"run_id,omitempty"`
	PersonaSetVersion string             `json:"persona_set_version,omitempty"`
	CutoffSnapshot    string             `json:"cutoff_snapshot,omitempty"`
}

type draftView struct {
	EstimatedDelta float64           `json:"estimated_delta"`
	Confidence     string            `json:"confidence"`
	Rationale      []string          `json:"rationale,omitempty"`
	EvidenceRefs   []evidenceRefView `json:"evidence_refs,omitempty"`
}

type evidenceRefView struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	SourceURL  string     `json:"source_url,omitempty"`
	SourceDate *time.Time `json:"source_date,omitempty"`
	RawDate    string     `json:"raw_date,omitempty"`
	Compliance string     `json:"compliance,omitempty"`
}

type failedView struct {
	Stage         string `json:"stage"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Retryable     bool   `json:"retryable"`
	Guidance      string `json:"guidance,omitempty"`
}

type evidenceView struct {
	SourceURL  string     `json:"source_url,omitempty"`
	SourceDate *time.Time `json:"source_date,omitempty"`
	Excerpt    string     `json:"excerpt,omitempty"`
	Compliance string     `json:"compliance,omitempty"`
}

type nodeLinksView struct {
	RunID             string   `json:"run_id,omitempty"`
	ManifestHash      string   `json:"manifest_hash,omitempty"`
	PersonaSetVersion string   `json:"persona_set_version,omitempty"`
	EvidenceIDs       []string `json:"evidence_ids,omitempty"`
}

func toNodeResponse(node domain.Node) nodeResponse {
	out := nodeResponse{
		NodeID:    node.ID,
		GraphID:   node.GraphID,
		Type:      string(node.Type),
		Status:    string(node.Status),
		Title:     node.Title,
		Summary:   node.Summary,
		ParentID:  node.ParentID,
		JobID:     node.JobID,
		CreatedAt: node.CreatedAt,
	}
	if node.Verified != nil {
		out.Verified = &verifiedView{
			Probability:       node.Verified.Probability,
			Delta:             node.Verified.Delta,
			Uncertainty:       node.Verified.Uncertainty,
			Drivers:           node.Verified.Drivers,
			SegmentShifts:     node.Verified.SegmentShifts,
			RunID:             node.Verified.RunID,
			PersonaSetVersion: node.Verified.PersonaSetVersion,
			CutoffSnapshot:    node.Verified.CutoffSnapshot,
		}
	}
	if node.Draft != nil {
		refs := make([]evidenceRefView, 0, len(node.Draft.EvidenceRefs))
		for _, ref := range node.Draft.EvidenceRefs {
			refs = append(refs, evidenceRefView{
				ID:         ref.ID,
				Title:      ref.Title,
				SourceURL:  ref.SourceURL,
				SourceDate: ref.SourceDate,
				RawDate:    ref.RawDate,
				Compliance: string(ref.Compliance),
			})
		}
		out.Draft = &draftView{
			EstimatedDelta: node.Draft.EstimatedDelta,
			Confidence:     string(node.Draft.Confidence),
			Rationale:      node.Draft.Rationale,
			EvidenceRefs:   refs,
		}
	}
	if node.Failed != nil {
		out.Failed = &failedView{
			Stage:         node.Failed.Stage,
			Message:       node.Failed.Message,
			CorrelationID: node.Failed.CorrelationID,
			Retryable:     node.Failed.Retryable,
			Guidance:      node.Failed.Guidance,
		}
	}
	if node.Evidence != nil {
		out.Evidence = &evidenceView{
			SourceURL:  node.Evidence.SourceURL,
			SourceDate: node.Evidence.SourceDate,
			Excerpt:    node.Evidence.Excerpt,
			Compliance: string(node.Evidence.Compliance),
		}
	}
	if node.Links.RunID != "" || node.Links.ManifestHash != "" ||
		node.Links.PersonaSetVersion != "" || len(node.Links.EvidenceIDs) > 0 {
		out.Links = &nodeLinksView{
			RunID:             node.Links.RunID,
			ManifestHash:      node.Links.ManifestHash,
			PersonaSetVersion: node.Links.PersonaSetVersion,
			EvidenceIDs:       node.Links.EvidenceIDs,
		}
	}
	return out
}

type edgeResponse struct {
	EdgeID    string    `json:"edge_id"`
	GraphID   string    `json:"graph_id"`
	FromID    string    `json:"from_node_id"`
	ToID      string    `json:"to_node_id"`
	Relation  string    `json:"relation"`
	Weight    *float64  `json:"weight,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type graphResponse struct {
	GraphID          string         `json:"graph_id"`
	ProjectID        string         `json:"project_id"`
	ActiveBaselineID string         `json:"active_baseline_node_id,omitempty"`
	CutoffDate       *time.Time     `json:"cutoff_date,omitempty"`
	Nodes            []nodeResponse `json:"nodes"`
	Edges            []edgeResponse `json:"edges"`
	CreatedAt        time.Time      `json:"created_at"`
}

func toGraphResponse(g domain.Graph) graphResponse {
	out := graphResponse{
		GraphID:          g.ID,
		ProjectID:        g.ProjectID,
		ActiveBaselineID: g.ActiveBaselineID,
		Nodes:            make([]nodeResponse, 0, len(g.Nodes)),
		Edges:            make([]edgeResponse, 0, len(g.Edges)),
		CreatedAt:        g.CreatedAt,
	}
	if !g.CutoffDate.IsZero() {
		cutoff := g.CutoffDate
		out.CutoffDate = &cutoff
	}
	for _, node := range g.Nodes {
		out.Nodes = append(out.Nodes, toNodeResponse(node))
	}
	for _, edge := range g.Edges {
		out.Edges = append(out.Edges, edgeResponse{
			EdgeID:    edge.ID,
			GraphID:   edge.GraphID,
			FromID:    edge.FromID,
			ToID:      edge.ToID,
			Relation:  string(edge.Relation),
			Weight:    edge.Weight,
			CreatedAt: edge.CreatedAt,
		})
	}
	return out
}

type createGraphRequest struct {
	CutoffDate *time.Time `json:"cutoff_date,omitempty"`
}

func (api *engineAPI) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("project_id"))
	if projectID == "" {
		api.writeError(w, r, http.StatusBadRequest, "project_id_required")
		return
	}
	var req createGraphRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	var cutoff time.Time
	if req.CutoffDate != nil {
		cutoff = req.CutoffDate.UTC()
	}
	g, err := api.graphs.CreateGraph(r.Context(), api.graphIdentity(r), projectID, cutoff)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toGraphResponse(g))
}

func (api *engineAPI) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := api.graphs.GetGraph(r.Context(), r.PathValue("project_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toGraphResponse(g))
}

type setBaselineRequest struct {
	NodeID string `json:"node_id"`
}

func (api *engineAPI) handleSetBaseline(w http.ResponseWriter, r *http.Request) {
	var req setBaselineRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.NodeID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "node_id_required")
		return
	}
	graphID := r.PathValue("graph_id")
	if err := api.graphs.SetActiveBaseline(r.Context(), api.graphIdentity(r), graphID, req.NodeID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"graph_id":                graphID,
		"active_baseline_node_id": req.NodeID,
	})
}

type expandRequest struct {
	MaxCandidates int `json:"max_candidates,omitempty"`
}

func (api *engineAPI) handleExpandNode(w http.ResponseWriter, r *http.Request) {
	var req expandRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	job, created, err := api.expansions.Request(r.Context(), api.identity(r), r.PathValue("node_id"), req.MaxCandidates)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	api.writeJSON(w, status, toJobResponse(job))
}

func (api *engineAPI) handleRunNode(w http.ResponseWriter, r *http.Request) {
	job, created, err := api.runs.Start(r.Context(), api.identity(r), r.PathValue("node_id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	api.writeJSON(w, status, toJobResponse(job))
}

func (api *engineAPI) handlePlannerSearch(w http.ResponseWriter, r *http.Request) {
	var req planner.Request
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	result, err := api.planner.Search(r.Context(), req)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_search")
		return
	}
	api.writeJSON(w, http.StatusOK, result)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (api *engineAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *engineAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID,
	})
}

func (api *engineAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, domain.ErrInvalidStateTransition):
		api.writeError(w, r, http.StatusConflict, "invalid_state_transition")
	case errors.Is(err, repo.ErrDuplicateEdge):
		api.writeError(w, r, http.StatusConflict, "duplicate_edge")
	case errors.Is(err, repo.ErrCycleViolation):
		api.writeError(w, r, http.StatusConflict, "cycle_violation")
	case errors.Is(err, repo.ErrAlreadyExists):
		api.writeError(w, r, http.StatusConflict, "already_exists")
	default:
		api.logger.Error("request failed", "error", err)
		api.writeError(w, r, http.StatusBadRequest, "request_failed")
	}
}
