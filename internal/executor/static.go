package executor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/foresight-labs/foresight-go/internal/domain"
)

// Static is a deterministic in-process generator and simulator used in
// dev mode and tests. Outputs are a pure function of the input identity,
// so repeated calls with the same node produce the same numbers.
type Static struct {
	Candidates int
}

func NewStatic() *Static {
	return &Static{Candidates: 3}
}

// score maps a seed string onto [0, 1) deterministically.
func score(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n%10_000) / 10_000
}

func confidenceFor(s float64) domain.Confidence {
	switch {
	case s >= 0.66:
		return domain.ConfidenceHigh
	case s >= 0.33:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

func (s *Static) Generate(ctx context.Context, input GenerateInput) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	count := s.Candidates
	if count <= 0 {
		count = 3
	}
	if input.MaxCandidates > 0 && input.MaxCandidates < count {
		count = input.MaxCandidates
	}
	candidates := make([]Candidate, 0, count)
	for i := 0; i < count; i++ {
		seed := fmt.Sprintf("%s|%s|gen|%d", input.ProjectID, input.NodeID, i)
		sc := score(seed)
		candidates = append(candidates, Candidate{
			Title:          fmt.Sprintf("%s: branch %d", input.NodeTitle, i+1),
			Summary:        fmt.Sprintf("deterministic branch %d of %s", i+1, input.NodeID),
			EstimatedDelta: sc*0.2 - 0.1,
			Confidence:     confidenceFor(sc),
			Rationale:      []string{fmt.Sprintf("static rationale %d", i+1)},
		})
	}
	return candidates, nil
}

func (s *Static) Simulate(ctx context.Context, input SimulateInput) (SimulateResult, error) {
	if err := ctx.Err(); err != nil {
		return SimulateResult{}, err
	}
	seed := fmt.Sprintf("%s|%s|sim", input.ProjectID, input.NodeID)
	sc := score(seed)
	return SimulateResult{
		Probability:       sc,
		Delta:             input.Draft.EstimatedDelta * sc,
		Uncertainty:       0.05 + score(seed+"|u")*0.1,
		Drivers:           []string{"static-driver"},
		SegmentShifts:     map[string]float64{"overall": sc*0.1 - 0.05},
		RunID:             uuid.NewString(),
		PersonaSetVersion: "static-v1",
		CutoffSnapshot:    input.Cutoff.UTC().Format(time.RFC3339),
	}, nil
}

func (s *Static) RunTask(ctx context.Context, input TaskInput) (TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}
	sc := score(fmt.Sprintf("%s|%s|task", input.ProjectID, input.Task))
	return TaskResult{
		Output: domain.Metadata{
			"task":   input.Task,
			"status": "ok",
		},
		AlignmentScore: &sc,
	}, nil
}
