package domain

import (
	"errors"
	"strings"
	"time"
)

// JobType enumerates the asynchronous work the engine can schedule.
type JobType string

const (
	JobTypeGoalAnalysis     JobType = "goal_analysis"
	JobTypeBlueprintBuild   JobType = "blueprint_build"
	JobTypeSlotValidation   JobType = "slot_validation"
	JobTypeScenarioExpand   JobType = "scenario_expand"
	JobTypeScenarioRun      JobType = "scenario_run"
	JobTypeSummarization    JobType = "summarization"
	JobTypeAlignmentScoring JobType = "alignment_scoring"
)

// JobTypes lists every schedulable job type.
var JobTypes = []JobType{
	JobTypeGoalAnalysis,
	JobTypeBlueprintBuild,
	JobTypeSlotValidation,
	JobTypeScenarioExpand,
	JobTypeScenarioRun,
	JobTypeSummarization,
	JobTypeAlignmentScoring,
}

func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// NormalizeJobType maps free-form type values to canonical job types.
func NormalizeJobType(value string) JobType {
	t := JobType(strings.ToLower(strings.TrimSpace(value)))
	if t.Valid() {
		return t
	}
	return ""
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ErrInvalidStateTransition is returned when a lifecycle transition
// violates the state machine. It is a data integrity error and must not
// be swallowed.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// CanTransitionJobStatus enforces the job state machine:
// queued -> running -> {succeeded, failed, cancelled}, with
// queued -> {failed, cancelled} for pre-claim rejection and user cancel.
func CanTransitionJobStatus(current, next JobStatus) bool {
	switch current {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusFailed || next == JobStatusCancelled
	case JobStatusRunning:
		return next == JobStatusSucceeded || next == JobStatusFailed || next == JobStatusCancelled
	}
	return false
}

// Job is a trackable unit of asynchronous work.
type Job struct {
	ID              string
	ProjectID       string
	Type            JobType
	Status          JobStatus
	ProgressPercent int
	StageName       string
	StageMessage    string
	StagesTotal     int
	RetryCount      int
	MaxRetries      int
	IdempotencyKey  string
	Payload         Metadata
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(j.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if !j.Type.Valid() {
		return errors.New("job type is invalid")
	}
	if strings.TrimSpace(string(j.Status)) == "" {
		return errors.New("job status is required")
	}
	if strings.TrimSpace(j.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	if j.ProgressPercent < 0 || j.ProgressPercent > 100 {
		return errors.New("progress percent must be within 0-100")
	}
	if j.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if j.RetryCount < 0 || (j.MaxRetries > 0 && j.RetryCount > j.MaxRetries) {
		return errors.New("retry count out of range")
	}
	return nil
}
