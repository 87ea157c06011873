package requestid

import (
	"encoding/hex"
	"testing"
)

func TestNewProducesDistinctHexIDs(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		id, err := New()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(id) != 32 {
			t.Fatalf("id length = %d", len(id))
		}
		if _, err := hex.DecodeString(id); err != nil {
			t.Fatalf("id %q is not hex: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestMustNeverReturnsEmpty(t *testing.T) {
	if id := Must("engine"); id == "" {
		t.Fatal("empty request id")
	}
}
