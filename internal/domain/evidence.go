package domain

import (
	"errors"
	"strings"
	"time"
)

// ComplianceVerdict annotates whether an evidence source was knowable
// before a project's temporal cutoff. The verdict is advisory metadata:
// evidence is never stripped, only annotated, so humans can judge
// admissibility.
type ComplianceVerdict string

const (
	CompliancePass ComplianceVerdict = "PASS"
	ComplianceWarn ComplianceVerdict = "WARN"
	ComplianceFail ComplianceVerdict = "FAIL"
)

// EvidenceRef points at a source cited by a draft scenario.
type EvidenceRef struct {
	ID         string
	Title      string
	SourceURL  string
	SourceDate *time.Time
	RawDate    string
	Compliance ComplianceVerdict
}

func (e EvidenceRef) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("evidence id is required")
	}
	if strings.TrimSpace(e.Title) == "" {
		return errors.New("evidence title is required")
	}
	return nil
}
