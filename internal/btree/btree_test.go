package btree

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/reedbase/reedbase/internal/engineerrors"
)

func newTestTree(t *testing.T, order int) *Tree {
	t.Helper()
	opts := DefaultOptions()
	opts.Order = order
	tree, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return tree
}

func TestInsertGetRoundTrip(t *testing.T) {
	tree := newTestTree(t, 4)

	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		v := []byte(fmt.Sprintf("value-%d", i))
		if err := tree.Insert(k, v); err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}

	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		v, ok, err := tree.Get(k)
		if err != nil || !ok {
			t.Fatalf("get %s: ok=%v err=%v", k, ok, err)
		}
		want := fmt.Sprintf("value-%d", i)
		if string(v) != want {
			t.Fatalf("get %s = %s, want %s", k, v, want)
		}
	}
}

func TestInsertReplaceDefault(t *testing.T) {
	tree := newTestTree(t, 4)
	if err := tree.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert([]byte("a"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	v, ok, _ := tree.Get([]byte("a"))
	if !ok || string(v) != "2" {
		t.Fatalf("expected replace semantics, got %q ok=%v", v, ok)
	}
}

func TestInsertErrorOnDuplicate(t *testing.T) {
	opts := DefaultOptions()
	opts.OnConflict = ErrorOnDuplicate
	tree, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()

	if err := tree.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	err = tree.Insert([]byte("a"), []byte("2"))
	var dup *engineerrors.DuplicateKeyError
	if !asErr(err, &dup) {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}
}

func TestDeleteAndUnderflow(t *testing.T) {
	tree := newTestTree(t, 4)

	for i := 0; i < 30; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		if err := tree.Insert(k, []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		if err := tree.Delete(k); err != nil {
			t.Fatalf("delete %s: %v", k, err)
		}
	}
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		if _, ok, _ := tree.Get(k); ok {
			t.Fatalf("key %s should be gone", k)
		}
	}
	for i := 20; i < 30; i++ {
		k := []byte(fmt.Sprintf("k%03d", i))
		if _, ok, _ := tree.Get(k); !ok {
			t.Fatalf("key %s should still be present", k)
		}
	}
}

func TestDeleteMissingKeyNotFound(t *testing.T) {
	tree := newTestTree(t, 4)
	err := tree.Delete([]byte("nope"))
	var nf *engineerrors.KeyNotFoundError
	if !asErr(err, &nf) {
		t.Fatalf("expected KeyNotFoundError, got %v", err)
	}
}

func TestRangeScanOrdering(t *testing.T) {
	tree := newTestTree(t, 4)
	keys := []string{"b", "d", "a", "c", "e"}
	for _, k := range keys {
		if err := tree.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for k := range tree.Scan() {
		got = append(got, string(k))
	}
	want := []string{"a", "b", "c", "d", "e"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("scan order = %v, want %v", got, want)
	}

	got = nil
	for k := range tree.Range([]byte("b"), []byte("d"), true, false) {
		got = append(got, string(k))
	}
	want = []string{"b", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("range = %v, want %v", got, want)
	}
}

// TestAgainstReferenceMap is the round-trip/invariant property test from
// spec.md §8 property 1: for any sequence of insert/delete operations,
// Get agrees with a reference map.
func TestAgainstReferenceMap(t *testing.T) {
	tree := newTestTree(t, 4)
	reference := map[string]string{}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("key-%d", rng.Intn(80))
		if rng.Intn(3) == 0 {
			_, existed := reference[k]
			err := tree.Delete([]byte(k))
			if existed && err != nil {
				t.Fatalf("unexpected delete error: %v", err)
			}
			delete(reference, k)
		} else {
			v := fmt.Sprintf("v-%d", i)
			if err := tree.Insert([]byte(k), []byte(v)); err != nil {
				t.Fatalf("insert: %v", err)
			}
			reference[k] = v
		}
	}

	for k, want := range reference {
		got, ok, err := tree.Get([]byte(k))
		if err != nil || !ok {
			t.Fatalf("missing key %s (err=%v)", k, err)
		}
		if string(got) != want {
			t.Fatalf("key %s = %s, want %s", k, got, want)
		}
	}
}

func TestCompactSnapshotRoundTrip(t *testing.T) {
	tree := newTestTree(t, 4)

	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		v := []byte(fmt.Sprintf("value-%d", i))
		if err := tree.Insert(k, v); err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}
	if err := tree.Delete([]byte("key-005")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := tree.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}

	entries, err := tree.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 19 {
		t.Fatalf("expected 19 entries after delete, got %d", len(entries))
	}
	for _, e := range entries {
		if string(e[0]) == "key-005" {
			t.Fatalf("deleted key still present in snapshot")
		}
	}
}

func asErr(err error, target interface{}) bool {
	switch target.(type) {
	case **engineerrors.DuplicateKeyError:
		e, ok := err.(*engineerrors.DuplicateKeyError)
		if ok {
			*target.(**engineerrors.DuplicateKeyError) = e
		}
		return ok
	case **engineerrors.KeyNotFoundError:
		e, ok := err.(*engineerrors.KeyNotFoundError)
		if ok {
			*target.(**engineerrors.KeyNotFoundError) = e
		}
		return ok
	}
	return false
}
