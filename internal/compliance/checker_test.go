package compliance

import (
	"testing"
	"time"

	"github.com/foresight-labs/foresight-go/internal/domain"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func TestCheckVerdicts(t *testing.T) {
	checker := NewChecker()
	cutoff := date(2024, 6, 1)
	before := date(2024, 5, 20)
	after := date(2024, 6, 15)

	cases := []struct {
		name   string
		ref    domain.EvidenceRef
		cutoff time.Time
		want   domain.ComplianceVerdict
	}{
		{"predates cutoff", domain.EvidenceRef{SourceDate: &before}, cutoff, domain.CompliancePass},
		{"postdates cutoff", domain.EvidenceRef{SourceDate: &after}, cutoff, domain.ComplianceFail},
		{"no date at all", domain.EvidenceRef{}, cutoff, domain.ComplianceWarn},
		{"unparseable raw date", domain.EvidenceRef{RawDate: "sometime last spring"}, cutoff, domain.ComplianceWarn},
		{"parseable raw date before", domain.EvidenceRef{RawDate: "2024-05-20"}, cutoff, domain.CompliancePass},
		{"parseable raw date after", domain.EvidenceRef{RawDate: "June 15, 2024"}, cutoff, domain.ComplianceFail},
		{"zero cutoff", domain.EvidenceRef{SourceDate: &before}, time.Time{}, domain.ComplianceWarn},
		{"on cutoff day", domain.EvidenceRef{SourceDate: &cutoff}, cutoff, domain.CompliancePass},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := checker.Check(tc.ref, tc.cutoff); got != tc.want {
				t.Fatalf("Check = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestAnnotatePreservesMembershipAndOrder(t *testing.T) {
	checker := NewChecker()
	cutoff := date(2024, 6, 1)
	before := date(2024, 1, 1)
	after := date(2025, 1, 1)

	refs := []domain.EvidenceRef{
		{ID: "a", Title: "first", SourceDate: &before},
		{ID: "b", Title: "second", SourceDate: &after},
		{ID: "c", Title: "third"},
	}
	out := checker.Annotate(refs, cutoff)

	if len(out) != len(refs) {
		t.Fatalf("annotate changed membership: %d refs became %d", len(refs), len(out))
	}
	wantVerdicts := []domain.ComplianceVerdict{domain.CompliancePass, domain.ComplianceFail, domain.ComplianceWarn}
	for i, want := range wantVerdicts {
		if out[i].ID != refs[i].ID {
			t.Fatalf("annotate reordered refs: index %d is %s", i, out[i].ID)
		}
		if out[i].Compliance != want {
			t.Errorf("ref %s verdict = %s, want %s", out[i].ID, out[i].Compliance, want)
		}
	}
	// Input slice stays untouched.
	for _, ref := range refs {
		if ref.Compliance != "" {
			t.Fatalf("annotate mutated input ref %s", ref.ID)
		}
	}
}

func TestParseSourceDate(t *testing.T) {
	if _, ok := ParseSourceDate(""); ok {
		t.Fatal("empty string should not parse")
	}
	parsed, ok := ParseSourceDate("2024-02-29")
	if !ok {
		t.Fatal("ISO date should parse")
	}
	if parsed != date(2024, 2, 29) {
		t.Fatalf("parsed %v", parsed)
	}
}
