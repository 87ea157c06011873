// Package executor defines the contracts for the external generator and
// simulator the engine calls and awaits. Both are black-box services:
// the engine owns orchestration and persistence, never the model.
package executor

import (
	"context"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
)

// Candidate is one draft scenario proposed by the generator.
type Candidate struct {
	Title          string
	Summary        string
	EstimatedDelta float64
	Confidence     domain.Confidence
	Rationale      []string
	EvidenceRefs   []domain.EvidenceRef
}

type GenerateInput struct {
	ProjectID     string
	NodeID        string
	NodeTitle     string
	NodeSummary   string
	Context       domain.Metadata
	Cutoff        time.Time
	MaxCandidates int
}

// Generator proposes draft scenario candidates from a verified node's
// context. Zero candidates is a valid result.
type Generator interface {
	Generate(ctx context.Context, input GenerateInput) ([]Candidate, error)
}

type SimulateInput struct {
	ProjectID string
	NodeID    string
	Title     string
	Summary   string
	Draft     domain.DraftPayload
	Cutoff    time.Time
}

type SimulateResult struct {
	Probability       float64
	Delta             float64
	Uncertainty       float64
	Drivers           []string
	SegmentShifts     map[string]float64
	RunID             string
	PersonaSetVersion string
	CutoffSnapshot    string
}

// Simulator executes a draft scenario and returns a verified outcome
// payload plus its audit-trail identifiers.
type Simulator interface {
	Simulate(ctx context.Context, input SimulateInput) (SimulateResult, error)
}

type TaskInput struct {
	ProjectID string
	Task      string
	Payload   domain.Metadata
}

type TaskResult struct {
	Output         domain.Metadata
	AlignmentScore *float64
}

// TaskRunner handles the generator-backed job types that produce a
// single artifact: blueprint builds, slot validation, summarization,
// alignment scoring.
type TaskRunner interface {
	RunTask(ctx context.Context, input TaskInput) (TaskResult, error)
}
