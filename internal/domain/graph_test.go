package domain

import (
	"testing"
	"time"
)

func TestCanTransitionNodeStatus(t *testing.T) {
	cases := []struct {
		name     string
		nodeType NodeType
		from, to NodeStatus
		want     bool
	}{
		{"draft queues", NodeTypeScenarioDraft, NodeStatusDraft, NodeStatusQueued, true},
		{"queued runs", NodeTypeScenarioDraft, NodeStatusQueued, NodeStatusRunning, true},
		{"running resolves", NodeTypeScenarioDraft, NodeStatusRunning, NodeStatusResolved, true},
		{"running fails", NodeTypeScenarioDraft, NodeStatusRunning, NodeStatusFailed, true},
		{"failed requeues", NodeTypeScenarioDraft, NodeStatusFailed, NodeStatusQueued, true},
		{"no skip to running", NodeTypeScenarioDraft, NodeStatusDraft, NodeStatusRunning, false},
		{"no skip to resolved", NodeTypeScenarioDraft, NodeStatusQueued, NodeStatusResolved, false},
		{"no regress", NodeTypeScenarioDraft, NodeStatusRunning, NodeStatusDraft, false},
		{"resolved is terminal", NodeTypeScenarioDraft, NodeStatusResolved, NodeStatusQueued, false},
		{"draft never done", NodeTypeScenarioDraft, NodeStatusRunning, NodeStatusDone, false},
		{"verified frozen", NodeTypeOutcomeVerified, NodeStatusDone, NodeStatusFailed, false},
		{"evidence frozen", NodeTypeEvidence, NodeStatusDone, NodeStatusFailed, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanTransitionNodeStatus(tc.nodeType, tc.from, tc.to); got != tc.want {
				t.Fatalf("CanTransitionNodeStatus(%s, %s, %s) = %v, want %v", tc.nodeType, tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestNodeValidatePayloadMatchesType(t *testing.T) {
	verified := Node{
		ID:      "n1",
		GraphID: "g1",
		Type:    NodeTypeOutcomeVerified,
		Status:  NodeStatusDone,
		Title:   "baseline",
		Verified: &VerifiedPayload{
			Probability: 0.4,
			RunID:       "run-1",
		},
	}
	if err := verified.Validate(); err != nil {
		t.Fatalf("valid verified node rejected: %v", err)
	}

	wrongStatus := verified
	wrongStatus.Status = NodeStatusDraft
	if err := wrongStatus.Validate(); err == nil {
		t.Fatal("verified node must be DONE")
	}

	missingPayload := verified
	missingPayload.Verified = nil
	if err := missingPayload.Validate(); err == nil {
		t.Fatal("verified node requires verified payload")
	}

	draft := Node{
		ID:      "n2",
		GraphID: "g1",
		Type:    NodeTypeScenarioDraft,
		Status:  NodeStatusDraft,
		Title:   "branch",
		Draft:   &DraftPayload{EstimatedDelta: 0.05, Confidence: ConfidenceMedium},
	}
	if err := draft.Validate(); err != nil {
		t.Fatalf("valid draft node rejected: %v", err)
	}

	doneDraft := draft
	doneDraft.Status = NodeStatusDone
	if err := doneDraft.Validate(); err == nil {
		t.Fatal("draft node must never be DONE")
	}

	failedWithoutDetail := draft
	failedWithoutDetail.Status = NodeStatusFailed
	if err := failedWithoutDetail.Validate(); err == nil {
		t.Fatal("FAILED status requires a failed payload")
	}

	badProbability := verified
	badProbability.Verified = &VerifiedPayload{Probability: 1.4}
	if err := badProbability.Validate(); err == nil {
		t.Fatal("probability above 1 must be rejected")
	}
}

func TestEdgeValidate(t *testing.T) {
	edge := Edge{
		ID:       "e1",
		GraphID:  "g1",
		FromID:   "n1",
		ToID:     "n2",
		Relation: EdgeExpandsTo,
	}
	if err := edge.Validate(); err != nil {
		t.Fatalf("valid edge rejected: %v", err)
	}

	self := edge
	self.ToID = self.FromID
	if err := self.Validate(); err == nil {
		t.Fatal("self edge must be rejected")
	}

	badRelation := edge
	badRelation.Relation = "LINKS_TO"
	if err := badRelation.Validate(); err == nil {
		t.Fatal("unknown relation must be rejected")
	}
}

func TestEdgeRelationStructural(t *testing.T) {
	for _, r := range []EdgeRelation{EdgeExpandsTo, EdgeRunsTo, EdgeForksFrom} {
		if !r.Structural() {
			t.Errorf("%s should be structural", r)
		}
	}
	for _, r := range []EdgeRelation{EdgeSupports, EdgeConflicts} {
		if r.Structural() {
			t.Errorf("%s should not be structural", r)
		}
	}
}

func TestEvidenceRefValidate(t *testing.T) {
	when := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ref := EvidenceRef{ID: "ev-1", Title: "report", SourceDate: &when}
	if err := ref.Validate(); err != nil {
		t.Fatalf("valid evidence ref rejected: %v", err)
	}
	ref.Title = ""
	if err := ref.Validate(); err == nil {
		t.Fatal("expected error for missing title")
	}
}
