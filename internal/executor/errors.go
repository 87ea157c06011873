package executor

import "fmt"

// ExternalError is a failure reported by (or while reaching) the
// external generator or simulator. It is never fatal to the worker:
// coordinators capture it into the job's error message and, for runs,
// the node's failed payload.
type ExternalError struct {
	Kind          string // "generation" or "simulation"
	Stage         string
	Message       string
	CorrelationID string
	Retryable     bool
	Guidance      string
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s failure at %s: %s", e.Kind, e.Stage, e.Message)
}

func NewGenerationError(stage, message, correlationID string, retryable bool) *ExternalError {
	return &ExternalError{
		Kind:          "generation",
		Stage:         stage,
		Message:       message,
		CorrelationID: correlationID,
		Retryable:     retryable,
	}
}

func NewSimulationError(stage, message, correlationID string, retryable bool) *ExternalError {
	return &ExternalError{
		Kind:          "simulation",
		Stage:         stage,
		Message:       message,
		CorrelationID: correlationID,
		Retryable:     retryable,
	}
}
