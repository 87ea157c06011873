package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
	"github.com/foresight-labs/foresight-go/internal/platform/env"
)

type HTTPConfig struct {
	GeneratorURL string
	SimulatorURL string
	Timeout      time.Duration
}

func HTTPConfigFromEnv() (HTTPConfig, error) {
	timeout, err := env.Duration("FORESIGHT_EXECUTOR_TIMEOUT", 60*time.Second)
	if err != nil {
		return HTTPConfig{}, err
	}
	cfg := HTTPConfig{
		GeneratorURL: env.String("FORESIGHT_GENERATOR_URL", "http://localhost:9100"),
		SimulatorURL: env.String("FORESIGHT_SIMULATOR_URL", "http://localhost:9200"),
		Timeout:      timeout,
	}
	if err := cfg.Validate(); err != nil {
		return HTTPConfig{}, err
	}
	return cfg, nil
}

func (c HTTPConfig) Validate() error {
	if strings.TrimSpace(c.GeneratorURL) == "" {
		return errors.New("generator url is required")
	}
	if strings.TrimSpace(c.SimulatorURL) == "" {
		return errors.New("simulator url is required")
	}
	if c.Timeout <= 0 {
		return errors.New("executor timeout must be positive")
	}
	return nil
}

// HTTPClient talks to the external generator and simulator over JSON.
// Transport-level failures and 5xx responses are retryable; 4xx
// responses are not.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type generateRequest struct {
	ProjectID     string         `json:"project_id"`
	NodeID        string         `json:"node_id"`
	NodeTitle     string         `json:"node_title"`
	NodeSummary   string         `json:"node_summary,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Cutoff        *time.Time     `json:"cutoff,omitempty"`
	MaxCandidates int            `json:"max_candidates,omitempty"`
}

type generateCandidate struct {
	Title          string                `json:"title"`
	Summary        string                `json:"summary,omitempty"`
	EstimatedDelta float64               `json:"estimated_delta"`
	Confidence     string                `json:"confidence"`
	Rationale      []string              `json:"rationale,omitempty"`
	EvidenceRefs   []generateEvidenceRef `json:"evidence_refs,omitempty"`
}

type generateEvidenceRef struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	SourceURL  string     `json:"source_url,omitempty"`
	SourceDate *time.Time `json:"source_date,omitempty"`
	RawDate    string     `json:"raw_date,omitempty"`
}

type generateResponse struct {
	Candidates    []generateCandidate `json:"candidates"`
	CorrelationID string              `json:"correlation_id,omitempty"`
}

func (c *HTTPClient) Generate(ctx context.Context, input GenerateInput) ([]Candidate, error) {
	req := generateRequest{
		ProjectID:     input.ProjectID,
		NodeID:        input.NodeID,
		NodeTitle:     input.NodeTitle,
		NodeSummary:   input.NodeSummary,
		Context:       input.Context,
		MaxCandidates: input.MaxCandidates,
	}
	if !input.Cutoff.IsZero() {
		cutoff := input.Cutoff.UTC()
		req.Cutoff = &cutoff
	}
	var resp generateResponse
	if err := c.post(ctx, c.cfg.GeneratorURL+"/v1/generate", "generation", req, &resp); err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(resp.Candidates))
	for _, raw := range resp.Candidates {
		refs := make([]domain.EvidenceRef, 0, len(raw.EvidenceRefs))
		for _, ref := range raw.EvidenceRefs {
			refs = append(refs, domain.EvidenceRef{
				ID:         ref.ID,
				Title:      ref.Title,
				SourceURL:  ref.SourceURL,
				SourceDate: ref.SourceDate,
				RawDate:    ref.RawDate,
			})
		}
		candidates = append(candidates, Candidate{
			Title:          raw.Title,
			Summary:        raw.Summary,
			EstimatedDelta: raw.EstimatedDelta,
			Confidence:     domain.Confidence(raw.Confidence),
			Rationale:      raw.Rationale,
			EvidenceRefs:   refs,
		})
	}
	return candidates, nil
}

type simulateRequest struct {
	ProjectID      string     `json:"project_id"`
	NodeID         string     `json:"node_id"`
	Title          string     `json:"title"`
	Summary        string     `json:"summary,omitempty"`
	EstimatedDelta float64    `json:"estimated_delta"`
	Confidence     string     `json:"confidence"`
	Rationale      []string   `json:"rationale,omitempty"`
	Cutoff         *time.Time `json:"cutoff,omitempty"`
}

type simulateResponse struct {
	Probability       float64            `json:"probability"`
	Delta             float64            `json:"delta"`
	Uncertainty       float64            `json:"uncertainty,omitempty"`
	Drivers           []string           `json:"drivers,omitempty"`
	SegmentShifts     map[string]float64 `json:"segment_shifts,omitempty"`
	RunID             string             `json:"run_id"`
	PersonaSetVersion string             `json:"persona_set_version,omitempty"`
	CutoffSnapshot    string             `json:"cutoff_snapshot,omitempty"`
}

func (c *HTTPClient) Simulate(ctx context.Context, input SimulateInput) (SimulateResult, error) {
	req := simulateRequest{
		ProjectID:      input.ProjectID,
		NodeID:         input.NodeID,
		Title:          input.Title,
		Summary:        input.Summary,
		EstimatedDelta: input.Draft.EstimatedDelta,
		Confidence:     string(input.Draft.Confidence),
		Rationale:      input.Draft.Rationale,
	}
	if !input.Cutoff.IsZero() {
		cutoff := input.Cutoff.UTC()
		req.Cutoff = &cutoff
	}
	var resp simulateResponse
	if err := c.post(ctx, c.cfg.SimulatorURL+"/v1/simulate", "simulation", req, &resp); err != nil {
		return SimulateResult{}, err
	}
	return SimulateResult{
		Probability:       resp.Probability,
		Delta:             resp.Delta,
		Uncertainty:       resp.Uncertainty,
		Drivers:           resp.Drivers,
		SegmentShifts:     resp.SegmentShifts,
		RunID:             resp.RunID,
		PersonaSetVersion: resp.PersonaSetVersion,
		CutoffSnapshot:    resp.CutoffSnapshot,
	}, nil
}

type taskRequest struct {
	ProjectID string         `json:"project_id"`
	Task      string         `json:"task"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type taskResponse struct {
	Output         map[string]any `json:"output"`
	AlignmentScore *float64       `json:"alignment_score,omitempty"`
}

func (c *HTTPClient) RunTask(ctx context.Context, input TaskInput) (TaskResult, error) {
	req := taskRequest{
		ProjectID: input.ProjectID,
		Task:      input.Task,
		Payload:   input.Payload,
	}
	var resp taskResponse
	if err := c.post(ctx, c.cfg.GeneratorURL+"/v1/tasks", "generation", req, &resp); err != nil {
		return TaskResult{}, err
	}
	return TaskResult{
		Output:         domain.Metadata(resp.Output),
		AlignmentScore: resp.AlignmentScore,
	}, nil
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Retryable     *bool  `json:"retryable,omitempty"`
}

func (c *HTTPClient) post(ctx context.Context, url, kind string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &ExternalError{Kind: kind, Stage: "transport", Message: err.Error(), Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &ExternalError{Kind: kind, Stage: "transport", Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.Unmarshal(raw, &errResp)
		message := strings.TrimSpace(errResp.Error)
		if message == "" {
			message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		retryable := resp.StatusCode >= 500
		if errResp.Retryable != nil {
			retryable = *errResp.Retryable
		}
		return &ExternalError{
			Kind:          kind,
			Stage:         "call",
			Message:       message,
			CorrelationID: errResp.CorrelationID,
			Retryable:     retryable,
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &ExternalError{Kind: kind, Stage: "decode", Message: err.Error(), Retryable: false}
	}
	return nil
}
