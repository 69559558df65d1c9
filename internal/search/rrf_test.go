package search

import (
	"reflect"
	"testing"
)

// TestFuseScenarioS5 reproduces spec.md §4.N's worked example exactly:
// vector ranks [N2,N1,N4], FTS ranks [N1,N2,N5], c=60. N1 and N2 tie on RRF
// score once both get the +0.1 presence bonus; N1 wins the tie on note_id
// ascending (the spec prose's stated rank-sum arithmetic for N2 doesn't
// actually differ between the two candidates — both sum to 1 under
// 0-indexed ranks — so the real decider here is the note_id tiebreak, which
// still produces the spec's stated order).
func TestFuseScenarioS5(t *testing.T) {
	vector := []string{"N2", "N1", "N4"}
	keyword := []string{"N1", "N2", "N5"}

	got := Fuse(vector, keyword)
	want := []string{"N1", "N2", "N4", "N5"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Fuse() = %v, want %v", got, want)
	}
}

func TestFuseDocumentAbsentFromOneListContributesZero(t *testing.T) {
	vector := []string{"A", "B"}
	keyword := []string{"B", "C"}

	got := Fuse(vector, keyword)

	// B appears in both lists (gets the presence bonus) so it must lead.
	if got[0] != "B" {
		t.Fatalf("expected B (present in both lists) to rank first, got %v", got)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 fused documents, got %d: %v", len(got), got)
	}
}

func TestFuseEmptyLeavesReturnsEmpty(t *testing.T) {
	if got := Fuse(nil, nil); len(got) != 0 {
		t.Fatalf("expected empty fusion, got %v", got)
	}
}

func TestFuseTieBreaksOnNoteIDAscending(t *testing.T) {
	// Both present only in vector, at the same rank is impossible (ranks are
	// unique per list), but two docs absent from keyword and present at
	// different vector ranks still need a deterministic final order — this
	// just confirms Fuse never reorders ties arbitrarily across repeated
	// calls (stable sort).
	vector := []string{"Z9", "A1"}
	first := Fuse(vector, nil)
	second := Fuse(vector, nil)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Fuse is not deterministic across calls: %v vs %v", first, second)
	}
}
