// Package compliance checks whether evidence cited by a draft scenario
// was knowable before a project's temporal cutoff. Verdicts are advisory
// annotations: evidence is never removed, only marked, so a reviewer can
// judge admissibility.
package compliance

import (
	"strings"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
)

// dateLayouts are tried in order when an evidence reference carries only
// a free-form date string.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

type Checker struct{}

func NewChecker() *Checker {
	return &Checker{}
}

// Check grades one evidence reference against the cutoff.
// PASS: the source demonstrably predates the cutoff. FAIL: it postdates
// the cutoff (temporal leakage). WARN: the date is missing, unparseable,
// or the cutoff itself is unset.
func (c *Checker) Check(ref domain.EvidenceRef, cutoff time.Time) domain.ComplianceVerdict {
	if cutoff.IsZero() {
		return domain.ComplianceWarn
	}
	date := ref.SourceDate
	if date == nil {
		parsed, ok := ParseSourceDate(ref.RawDate)
		if !ok {
			return domain.ComplianceWarn
		}
		date = &parsed
	}
	if date.After(cutoff) {
		return domain.ComplianceFail
	}
	return domain.CompliancePass
}

// Annotate returns a copy of refs with every compliance verdict filled
// in. Input order and membership are preserved.
func (c *Checker) Annotate(refs []domain.EvidenceRef, cutoff time.Time) []domain.EvidenceRef {
	out := make([]domain.EvidenceRef, len(refs))
	for i, ref := range refs {
		ref.Compliance = c.Check(ref, cutoff)
		out[i] = ref
	}
	return out
}

// ParseSourceDate attempts to parse a free-form source date. The second
// return value is false when the date is ambiguous or unparseable.
func ParseSourceDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
