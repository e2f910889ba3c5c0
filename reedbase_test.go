package reedbase

import (
	"sync"
	"testing"
	"time"

	"github.com/reedbase/reedbase/internal/index"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AutoIndex.Threshold = 3
	db, err := OpenWithConfig(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func initTable(t *testing.T, db *Database, name string, header []string, rows [][2]string) {
	t.Helper()
	if err := db.CreateTable(name, header, "tester"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, r := range rows {
		if _, err := db.Execute("INSERT INTO "+name+" (key, name) VALUES ('"+r[0]+"', '"+r[1]+"')", "tester"); err != nil {
			t.Fatalf("seed insert: %v", err)
		}
	}
}

// TestPointLookupAutoIndex implements scenario S1 from spec.md §8.
func TestPointLookupAutoIndex(t *testing.T) {
	db := newTestDatabase(t)
	initTable(t, db, "t", []string{"key", "name"}, [][2]string{{"a", "A"}, {"b", "B"}, {"c", "C"}})

	for i := 0; i < 3; i++ {
		res, err := db.Query("SELECT * FROM t WHERE key = 'b'")
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if len(res.Rows) != 1 || res.Rows[0].Key != "b" {
			t.Fatalf("query %d: unexpected rows %+v", i, res.Rows)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		found := false
		for _, m := range db.ListIndices() {
			if m.Table == "t" && m.Column == "key" && m.Backend == string(index.BackendHash) {
				found = true
			}
		}
		if found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected auto-created hash index on t.key")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestRangeScanViaTreeIndex implements scenario S2 from spec.md §8.
func TestRangeScanViaTreeIndex(t *testing.T) {
	db := newTestDatabase(t)
	initTable(t, db, "t", []string{"key", "name"}, [][2]string{{"a", "A"}, {"b", "B"}, {"c", "C"}})

	if err := db.CreateIndex("t", "key", index.BackendBTree); err != nil {
		t.Fatalf("create index: %v", err)
	}

	res, err := db.Query("SELECT * FROM t WHERE key >= 'a' AND key < 'c'")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 2 || res.Rows[0].Key != "a" || res.Rows[1].Key != "b" {
		t.Fatalf("unexpected range result: %+v", res.Rows)
	}
}

// TestConcurrentWritesNoConflict implements scenario S3 from spec.md §8.
func TestConcurrentWritesNoConflict(t *testing.T) {
	db := newTestDatabase(t)
	if err := db.CreateTable("t", []string{"key", "name"}, "tester"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	var wg sync.WaitGroup
	stmts := []string{
		"INSERT INTO t (key, name) VALUES ('x', 'X')",
		"INSERT INTO t (key, name) VALUES ('y', 'Y')",
	}
	for _, stmt := range stmts {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			if _, err := db.Execute(s, "tester"); err != nil {
				t.Errorf("execute %q: %v", s, err)
			}
		}(stmt)
	}
	wg.Wait()

	res, err := db.Query("SELECT * FROM t")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 2 || res.Rows[0].Key != "x" || res.Rows[1].Key != "y" {
		t.Fatalf("unexpected final rows: %+v", res.Rows)
	}

	db.mu.RLock()
	tb := db.tables["t"]
	db.mu.RUnlock()
	versions, err := tb.ListVersions()
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Timestamp >= versions[1].Timestamp {
		t.Fatalf("expected strictly increasing timestamps: %+v", versions)
	}
}

func TestQueryAsOf(t *testing.T) {
	db := newTestDatabase(t)
	initTable(t, db, "t", []string{"key", "name"}, [][2]string{{"a", "A"}})

	db.mu.RLock()
	tb := db.tables["t"]
	db.mu.RUnlock()
	versions, err := tb.ListVersions()
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	firstTS := versions[0].Timestamp

	if _, err := db.Execute("UPDATE t SET name = 'Z' WHERE key = 'a'", "tester"); err != nil {
		t.Fatalf("update: %v", err)
	}

	live, err := db.Query("SELECT * FROM t WHERE key = 'a'")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if live.Rows[0].Values[0] != "Z" {
		t.Fatalf("expected live value Z, got %+v", live.Rows[0])
	}

	historical, err := db.QueryAsOf("SELECT * FROM t WHERE key = 'a'", firstTS)
	if err != nil {
		t.Fatalf("query as of: %v", err)
	}
	if len(historical.Rows) != 1 || historical.Rows[0].Values[0] != "A" {
		t.Fatalf("expected historical value A, got %+v", historical.Rows)
	}
}

func TestExplain(t *testing.T) {
	db := newTestDatabase(t)
	initTable(t, db, "t", []string{"key", "name"}, [][2]string{{"a", "A"}, {"b", "B"}})

	before, err := db.Explain("SELECT * FROM t WHERE key = 'a'")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if before.Pattern != "point_lookup" || before.UsesIndex {
		t.Fatalf("unexpected plan before index: %+v", before)
	}

	if err := db.CreateIndex("t", "key", index.BackendHash); err != nil {
		t.Fatalf("create index: %v", err)
	}

	after, err := db.Explain("SELECT * FROM t WHERE key = 'a'")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !after.UsesIndex || after.Plan != "point_lookup_index" {
		t.Fatalf("unexpected plan after index: %+v", after)
	}
}

func TestCompactIndex(t *testing.T) {
	db := newTestDatabase(t)
	initTable(t, db, "t", []string{"key", "name"}, [][2]string{{"a", "A"}, {"b", "B"}, {"c", "C"}})

	if err := db.CreateIndex("t", "key", index.BackendBTree); err != nil {
		t.Fatalf("create index: %v", err)
	}
	if err := db.CompactIndex("t", "key"); err != nil {
		t.Fatalf("compact: %v", err)
	}

	res, err := db.Query("SELECT * FROM t WHERE key >= 'a' AND key < 'c'")
	if err != nil {
		t.Fatalf("query after compact: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("unexpected rows after compact: %+v", res.Rows)
	}
}

// TestConcurrentWritesConflict implements scenario S4 from spec.md §8: the
// lock serialises the two writers, so the later one to acquire the lock
// wins and both writes land in the log.
func TestConcurrentWritesConflict(t *testing.T) {
	db := newTestDatabase(t)
	if err := db.CreateTable("t", []string{"key", "name"}, "tester"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.Execute("INSERT INTO t (key, name) VALUES ('k', '1')", "tester"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	for _, v := range []string{"2", "3"} {
		wg.Add(1)
		go func(val string) {
			defer wg.Done()
			if _, err := db.Execute("UPDATE t SET name = '"+val+"' WHERE key = 'k'", "tester"); err != nil {
				t.Errorf("execute: %v", err)
			}
		}(v)
	}
	wg.Wait()

	res, err := db.Query("SELECT * FROM t WHERE key = 'k'")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected exactly one row, got %+v", res.Rows)
	}
	if res.Rows[0].Values[0] != "2" && res.Rows[0].Values[0] != "3" {
		t.Fatalf("unexpected final value: %+v", res.Rows[0])
	}

	db.mu.RLock()
	tb := db.tables["t"]
	db.mu.RUnlock()
	versions, err := tb.ListVersions()
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 3 { // init insert + two updates
		t.Fatalf("expected 3 log entries, got %d", len(versions))
	}
}
