package merge

import (
	"reflect"
	"testing"
)

func TestCalculateDiffAndApplyRoundTrip(t *testing.T) {
	old := []Row{
		{Key: "a", Values: []string{"1"}},
		{Key: "b", Values: []string{"2"}},
		{Key: "c", Values: []string{"3"}},
	}
	newRows := []Row{
		{Key: "b", Values: []string{"2"}},
		{Key: "c", Values: []string{"30"}},
		{Key: "d", Values: []string{"4"}},
	}

	changes := CalculateDiff(old, newRows)
	got := ApplyChanges(old, changes)

	want := []Row{
		{Key: "b", Values: []string{"2"}},
		{Key: "c", Values: []string{"30"}},
		{Key: "d", Values: []string{"4"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("apply(diff) = %+v, want %+v", got, want)
	}
}

func TestMergeChangesDisjointKeysNeverConflict(t *testing.T) {
	base := []Row{{Key: "k", Values: []string{"1"}}}
	a := []RowChange{{Kind: Insert, Key: "x", New: Row{Key: "x", Values: []string{"X"}}}}
	b := []RowChange{{Kind: Insert, Key: "y", New: Row{Key: "y", Values: []string{"Y"}}}}

	result := MergeChanges(base, a, b)
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", result.Conflicts)
	}
	if len(result.Merged) != 2 {
		t.Fatalf("expected 2 merged changes, got %d", len(result.Merged))
	}
}

func TestMergeChangesIdenticalInsertIsIdempotent(t *testing.T) {
	base := []Row{}
	row := Row{Key: "x", Values: []string{"X"}}
	a := []RowChange{{Kind: Insert, Key: "x", New: row}}
	b := []RowChange{{Kind: Insert, Key: "x", New: row}}

	result := MergeChanges(base, a, b)
	if len(result.Conflicts) != 0 {
		t.Fatalf("expected identical concurrent inserts to merge without conflict, got %+v", result.Conflicts)
	}
	if len(result.Merged) != 1 {
		t.Fatalf("expected a single merged insert, got %d", len(result.Merged))
	}
}

func TestMergeChangesDivergentMutationConflicts(t *testing.T) {
	base := []Row{{Key: "k", Values: []string{"1"}}}
	a := []RowChange{{Kind: Update, Key: "k", Old: base[0], New: Row{Key: "k", Values: []string{"2"}}}}
	b := []RowChange{{Kind: Update, Key: "k", Old: base[0], New: Row{Key: "k", Values: []string{"3"}}}}

	result := MergeChanges(base, a, b)
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %+v", result.Conflicts)
	}
	if result.Conflicts[0].Key != "k" {
		t.Fatalf("unexpected conflict key: %+v", result.Conflicts[0])
	}
}

func TestDetectConflicts(t *testing.T) {
	a := []RowChange{{Key: "k1"}, {Key: "k2"}}
	b := []RowChange{{Key: "k2"}, {Key: "k3"}}

	overlap := DetectConflicts(a, b)
	if !reflect.DeepEqual(overlap, []string{"k2"}) {
		t.Fatalf("DetectConflicts = %v, want [k2]", overlap)
	}
}
