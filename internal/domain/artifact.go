package domain

import (
	"errors"
	"strings"
	"time"
)

// Artifact is an immutable output attached to a completed job. The
// payload body lives in object storage; the record keeps the object key
// and content hash. A retry supersedes artifacts with new ones, it never
// mutates them in place.
type Artifact struct {
	ID             string
	JobID          string
	ProjectID      string
	Name           string
	ContentType    string
	ObjectKey      string
	SHA256         string
	SizeBytes      int64
	AlignmentScore *float64
	CreatedAt      time.Time
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(a.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("artifact name is required")
	}
	if strings.TrimSpace(a.ObjectKey) == "" {
		return errors.New("object key is required")
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return errors.New("sha256 is required")
	}
	if a.AlignmentScore != nil && (*a.AlignmentScore < 0 || *a.AlignmentScore > 1) {
		return errors.New("alignment score must be within 0-1")
	}
	return nil
}
