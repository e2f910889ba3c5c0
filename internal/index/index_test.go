package index

import (
	"reflect"
	"testing"
)

func TestHashBackendEqualityLookup(t *testing.T) {
	b := newHashBackend()
	if err := b.Insert("b", "row2"); err != nil {
		t.Fatal(err)
	}
	if err := b.Insert("a", "row1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Insert("a", "row3"); err != nil {
		t.Fatal(err)
	}

	rows, ok := b.Get("a")
	if !ok || !reflect.DeepEqual(rows, []string{"row1", "row3"}) {
		t.Fatalf("Get(a) = %v ok=%v", rows, ok)
	}

	if err := b.Delete("a", "row1"); err != nil {
		t.Fatal(err)
	}
	rows, _ = b.Get("a")
	if !reflect.DeepEqual(rows, []string{"row3"}) {
		t.Fatalf("after delete, Get(a) = %v", rows)
	}
}

func TestBTreeBackendRange(t *testing.T) {
	b, err := newBTreeBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	for _, k := range []string{"a", "b", "c", "d"} {
		if err := b.Insert(k, "row-"+k); err != nil {
			t.Fatal(err)
		}
	}

	got := b.Range("b", "d", true, false)
	want := []string{"row-b", "row-c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Range = %v, want %v", got, want)
	}
}

func TestNamespaceIndex(t *testing.T) {
	n := NewNamespaceIndex()
	n.Insert("orders.us.2024", "row1")
	n.Insert("orders.eu.2024", "row2")
	n.Insert("users.alice", "row3")

	got := n.RowsIn("orders")
	if !reflect.DeepEqual(got, []string{"row1", "row2"}) {
		t.Fatalf("RowsIn(orders) = %v", got)
	}
}

func TestHierarchyTrieExactPrefixWildcard(t *testing.T) {
	trie := NewHierarchyTrie()
	trie.Insert("a.b.c", "row1")
	trie.Insert("a.b.d", "row2")
	trie.Insert("a.x.c", "row3")

	if got := trie.Exact("a.b.c"); !reflect.DeepEqual(got, []string{"row1"}) {
		t.Fatalf("Exact = %v", got)
	}
	if got := trie.Prefix("a.b"); !reflect.DeepEqual(got, []string{"row1", "row2"}) {
		t.Fatalf("Prefix = %v", got)
	}
	if got := trie.Wildcard("a.*.c"); !reflect.DeepEqual(got, []string{"row1", "row3"}) {
		t.Fatalf("Wildcard = %v", got)
	}
}

func TestIndexManagerCreateAndResolve(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CreateIndex("t", "key", BackendHash, false, 1000); err != nil {
		t.Fatal(err)
	}

	backend, kind, ok := m.Lookup("t", "key")
	if !ok || kind != BackendHash {
		t.Fatalf("expected hash backend, got kind=%v ok=%v", kind, ok)
	}
	if err := backend.Insert("b", "row-b"); err != nil {
		t.Fatal(err)
	}

	rows, ok := m.Resolve("t", QueryFilter{Column: "key", Value: "b"})
	if !ok || !reflect.DeepEqual(rows, []string{"row-b"}) {
		t.Fatalf("Resolve = %v ok=%v", rows, ok)
	}

	list := m.List()
	if len(list) != 1 || list[0].Table != "t" || list[0].Column != "key" {
		t.Fatalf("unexpected index list: %+v", list)
	}
}

func TestIntersectSmallestFirst(t *testing.T) {
	got := Intersect([][]string{
		{"a", "b", "c", "d"},
		{"b", "c"},
		{"c", "d", "b"},
	})
	want := []string{"b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Intersect = %v, want %v", got, want)
	}
}
