package planner

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits bound a search. Zero values fall back to defaults via
// Normalize; Validate rejects limits that would make a search unbounded
// or meaningless.
type Limits struct {
	MaxDepth         int           `yaml:"max_depth" json:"max_depth"`
	MaxBranching     int           `yaml:"max_branching" json:"max_branching"`
	ProbabilityFloor float64       `yaml:"probability_floor" json:"probability_floor"`
	MaxPaths         int           `yaml:"max_paths" json:"max_paths"`
	ClusterPrefix    int           `yaml:"cluster_prefix" json:"cluster_prefix"`
	TimeBudget       time.Duration `yaml:"time_budget" json:"time_budget,omitempty"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxDepth:         5,
		MaxBranching:     6,
		ProbabilityFloor: 0.01,
		MaxPaths:         2000,
		ClusterPrefix:    2,
	}
}

// Normalize fills unset fields from the defaults.
func (l Limits) Normalize() Limits {
	def := DefaultLimits()
	if l.MaxDepth == 0 {
		l.MaxDepth = def.MaxDepth
	}
	if l.MaxBranching == 0 {
		l.MaxBranching = def.MaxBranching
	}
	if l.MaxPaths == 0 {
		l.MaxPaths = def.MaxPaths
	}
	if l.ClusterPrefix == 0 {
		l.ClusterPrefix = def.ClusterPrefix
	}
	return l
}

func (l Limits) Validate() error {
	if l.MaxDepth <= 0 {
		return errors.New("max depth must be positive")
	}
	if l.MaxBranching <= 0 {
		return errors.New("max branching must be positive")
	}
	if l.ProbabilityFloor < 0 || l.ProbabilityFloor > 1 {
		return errors.New("probability floor must be within [0, 1]")
	}
	if l.MaxPaths <= 0 {
		return errors.New("max paths must be positive")
	}
	if l.ClusterPrefix <= 0 {
		return errors.New("cluster prefix must be positive")
	}
	if l.TimeBudget < 0 {
		return errors.New("time budget must not be negative")
	}
	return nil
}

// LoadLimits reads search limits from a YAML file. A missing path is not
// an error: the defaults apply.
func LoadLimits(path string) (Limits, error) {
	if path == "" {
		return DefaultLimits(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultLimits(), nil
		}
		return Limits{}, fmt.Errorf("read limits file: %w", err)
	}
	var limits Limits
	if err := yaml.Unmarshal(raw, &limits); err != nil {
		return Limits{}, fmt.Errorf("parse limits file: %w", err)
	}
	limits = limits.Normalize()
	if err := limits.Validate(); err != nil {
		return Limits{}, fmt.Errorf("limits file %s: %w", path, err)
	}
	return limits, nil
}
