// Package planner performs bounded tree search over an action space,
// scoring candidate action sequences by cumulative probability and
// utility, then pruning and clustering them for human review. It is
// independent of the scenario graph store: nothing here is persisted.
package planner

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Action is one move available to the search. Requires and Excludes
// reference other action IDs: an action may only be taken once every
// required action appears earlier in the path, and never after an
// excluded one. Non-repeatable actions appear at most once per path.
type Action struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Probability float64  `json:"probability"`
	UtilityGain float64  `json:"utility_gain"`
	Requires    []string `json:"requires,omitempty"`
	Excludes    []string `json:"excludes,omitempty"`
	Repeatable  bool     `json:"repeatable,omitempty"`
}

func (a Action) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("action id is required")
	}
	if a.Probability <= 0 || a.Probability > 1 {
		return errors.New("action probability must be within (0, 1]")
	}
	return nil
}

// Step is one taken action in a path.
type Step struct {
	ActionID      string  `json:"action_id"`
	ActionName    string  `json:"action_name"`
	Probability   float64 `json:"probability"`
	UtilityGained float64 `json:"utility_gained"`
}

// Path is an ordered action sequence with its aggregate score.
type Path struct {
	Steps           []Step  `json:"steps"`
	PathProbability float64 `json:"path_probability"`
	TotalUtility    float64 `json:"total_utility"`
	Truncated       bool    `json:"truncated,omitempty"`
	ReachedTarget   bool    `json:"reached_target,omitempty"`
}

// Cluster groups similar paths. Members are mutually exclusive
// realizations, so the aggregated probability is their sum capped at 1.
type Cluster struct {
	ID                    string  `json:"id"`
	RepresentativePath    Path    `json:"representative_path"`
	ChildPaths            []Path  `json:"child_paths"`
	AggregatedProbability float64 `json:"aggregated_probability"`
	AvgUtility            float64 `json:"avg_utility"`
	UtilityMin            float64 `json:"utility_min"`
	UtilityMax            float64 `json:"utility_max"`
	ExpansionDepth        int     `json:"expansion_depth"`
	CanExpand             bool    `json:"can_expand"`
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result reports the outcome of one search. Zero valid paths with
// StatusCompleted means "no feasible paths", which is a legitimate
// answer, not a failure. Truncated is set when any limit cut the
// exploration short, even where no individual path records the cut.
type Result struct {
	Status         Status    `json:"status"`
	Paths          []Path    `json:"paths"`
	Clusters       []Cluster `json:"clusters"`
	TotalGenerated int       `json:"total_paths_generated"`
	TotalValid     int       `json:"total_paths_valid"`
	TotalPruned    int       `json:"total_paths_pruned"`
	Truncated      bool      `json:"truncated,omitempty"`
}

// Request describes one search. TargetUtility, when positive, marks
// paths that accumulate at least that much utility as having reached
// the target; the search still explores up to the depth limit.
type Request struct {
	Actions       []Action `json:"actions"`
	TargetUtility float64  `json:"target_utility,omitempty"`
	Limits        Limits   `json:"limits"`
}

func (r Request) Validate() error {
	if len(r.Actions) == 0 {
		return errors.New("at least one action is required")
	}
	seen := map[string]bool{}
	for _, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return err
		}
		if seen[a.ID] {
			return errors.New("duplicate action id: " + a.ID)
		}
		seen[a.ID] = true
	}
	return r.Limits.Validate()
}

type Planner struct {
	defaults Limits
}

func New(defaults Limits) *Planner {
	return &Planner{defaults: defaults.Normalize()}
}

type search struct {
	actions   []Action
	limits    Limits
	target    float64
	deadline  time.Time
	paths     []Path
	generated int
	pruned    int
	truncated bool
}

// Search runs the bounded exploration. It returns a failed Result only
// on invalid input or cancellation; an exhausted search with no valid
// paths completes normally.
func (p *Planner) Search(ctx context.Context, req Request) (Result, error) {
	limits := req.Limits.Normalize()
	if req.Limits == (Limits{}) {
		limits = p.defaults
	}
	req.Limits = limits
	if err := req.Validate(); err != nil {
		return Result{Status: StatusFailed}, err
	}

	// Deterministic expansion order regardless of caller ordering.
	actions := make([]Action, len(req.Actions))
	copy(actions, req.Actions)
	sort.Slice(actions, func(i, j int) bool { return actions[i].ID < actions[j].ID })

	s := &search{
		actions: actions,
		limits:  limits,
		target:  req.TargetUtility,
	}
	if limits.TimeBudget > 0 {
		s.deadline = time.Now().Add(limits.TimeBudget)
	}

	if _, err := s.expand(ctx, nil, nil, 1.0, 0, 0); err != nil {
		return Result{Status: StatusFailed, TotalGenerated: s.generated, TotalPruned: s.pruned}, err
	}

	sort.Slice(s.paths, func(i, j int) bool {
		if s.paths[i].PathProbability != s.paths[j].PathProbability {
			return s.paths[i].PathProbability > s.paths[j].PathProbability
		}
		return s.paths[i].TotalUtility > s.paths[j].TotalUtility
	})

	clusters := clusterPaths(s.paths, limits.ClusterPrefix)
	return Result{
		Status:         StatusCompleted,
		Paths:          s.paths,
		Clusters:       clusters,
		TotalGenerated: s.generated,
		TotalValid:     len(s.paths),
		TotalPruned:    s.pruned,
		Truncated:      s.truncated,
	}, nil
}

// expand walks one branch depth-first and reports whether any path was
// recorded at or below prefix. Only maximal sequences land in the
// result set: a prefix with a surviving continuation is an internal
// state, not an outcome, and recording both would double-count the
// branch when cluster probabilities are summed.
func (s *search) expand(ctx context.Context, prefix []Step, taken map[string]int, prob, utility float64, depth int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cut := false
	switch {
	case depth >= s.limits.MaxDepth:
		cut = true
	case len(s.paths) >= s.limits.MaxPaths:
		cut = true
	case !s.deadline.IsZero() && time.Now().After(s.deadline):
		cut = true
	}

	extended := false
	if !cut {
		branched := 0
		for _, action := range s.actions {
			if !s.admissible(action, taken) {
				continue
			}
			if branched >= s.limits.MaxBranching {
				cut = true
				break
			}
			branched++

			nextProb := prob * action.Probability
			if nextProb < s.limits.ProbabilityFloor {
				s.generated++
				s.pruned++
				continue
			}
			step := Step{
				ActionID:      action.ID,
				ActionName:    action.Name,
				Probability:   action.Probability,
				UtilityGained: action.UtilityGain,
			}
			steps := append(append([]Step(nil), prefix...), step)
			nextTaken := copyCounts(taken)
			nextTaken[action.ID]++
			recorded, err := s.expand(ctx, steps, nextTaken, nextProb, utility+action.UtilityGain, depth+1)
			if err != nil {
				return false, err
			}
			if recorded {
				extended = true
			}
		}
	}
	if cut {
		s.truncated = true
	}
	if extended || len(prefix) == 0 {
		return extended, nil
	}
	if len(s.paths) >= s.limits.MaxPaths {
		s.truncated = true
		return false, nil
	}
	s.generated++
	s.paths = append(s.paths, Path{
		Steps:           prefix,
		PathProbability: prob,
		TotalUtility:    utility,
		Truncated:       cut,
		ReachedTarget:   s.target > 0 && utility >= s.target,
	})
	return true, nil
}

func (s *search) admissible(action Action, taken map[string]int) bool {
	if !action.Repeatable && taken[action.ID] > 0 {
		return false
	}
	for _, req := range action.Requires {
		if taken[req] == 0 {
			return false
		}
	}
	for _, excl := range action.Excludes {
		if taken[excl] > 0 {
			return false
		}
	}
	return true
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
