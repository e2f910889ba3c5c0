package table

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reedbase/reedbase/internal/oplog"
)

func TestInitAndReadCurrent(t *testing.T) {
	base := t.TempDir()
	tb, err := New(base, "t")
	if err != nil {
		t.Fatal(err)
	}

	if err := tb.Init([]byte("key|name\na|A\n"), "tester"); err != nil {
		t.Fatalf("init: %v", err)
	}

	data, err := tb.ReadCurrent()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "key|name\na|A\n" {
		t.Fatalf("unexpected current content: %q", data)
	}

	versions, err := tb.ListVersions()
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0].Action != "init" {
		t.Fatalf("expected single init entry, got %+v", versions)
	}
}

func TestWriteAppendsVersionAndDelta(t *testing.T) {
	base := t.TempDir()
	tb, err := New(base, "t")
	if err != nil {
		t.Fatal(err)
	}
	if err := tb.Init([]byte("key|name\na|A\n"), "tester"); err != nil {
		t.Fatal(err)
	}
	if err := tb.Write([]byte("key|name\na|A\nb|B\n"), "tester"); err != nil {
		t.Fatalf("write: %v", err)
	}

	versions, err := tb.ListVersions()
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[1].Timestamp <= versions[0].Timestamp {
		t.Fatalf("expected strictly increasing timestamps, got %+v", versions)
	}

	deltaPath := tb.DeltaPath(versions[1].Timestamp)
	if _, err := os.Stat(deltaPath); err != nil {
		t.Fatalf("expected delta file at %s: %v", deltaPath, err)
	}
}

// TestRollback exercises scenario S6 from spec.md §8.
func TestRollback(t *testing.T) {
	base := t.TempDir()
	tb, err := New(base, "t")
	if err != nil {
		t.Fatal(err)
	}
	if err := tb.Init([]byte("key|val\na|1\n"), "tester"); err != nil {
		t.Fatal(err)
	}
	versionsAfterInit, err := tb.ListVersions()
	if err != nil {
		t.Fatal(err)
	}
	v1 := versionsAfterInit[0].Timestamp

	if err := tb.Write([]byte("key|val\na|2\n"), "tester"); err != nil {
		t.Fatal(err)
	}
	versionsAfterWrite, err := tb.ListVersions()
	if err != nil {
		t.Fatal(err)
	}
	v2 := versionsAfterWrite[1].Timestamp

	if err := tb.Rollback(v1, "tester"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	data, err := tb.ReadCurrent()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "key|val\na|1\n" {
		t.Fatalf("rollback did not restore v1 content, got %q", data)
	}

	versions, err := tb.ListVersions()
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions after rollback, got %d", len(versions))
	}
	last := versions[2]
	if last.Action != "rollback" || last.BaseTS != v2 {
		t.Fatalf("expected rollback entry naming base_version=%d, got %+v", v2, last)
	}
}

// TestValidateAndTruncateLogOnCrash exercises scenario S5 from spec.md §8.
func TestValidateAndTruncateLogOnCrash(t *testing.T) {
	base := t.TempDir()
	tb, err := New(base, "t")
	if err != nil {
		t.Fatal(err)
	}
	if err := tb.Init([]byte("key|val\na|1\n"), "tester"); err != nil {
		t.Fatal(err)
	}
	if err := tb.Write([]byte("key|val\na|2\n"), "tester"); err != nil {
		t.Fatal(err)
	}

	logData, err := os.ReadFile(tb.LogPath())
	if err != nil {
		t.Fatal(err)
	}
	corrupted := corruptTrailingByte(string(logData))
	if err := os.WriteFile(tb.LogPath(), []byte(corrupted), 0o644); err != nil {
		t.Fatal(err)
	}

	users, err := oplog.OpenUserDictionary(filepath.Join(tb.Dir(), "users.dict.json"))
	if err != nil {
		t.Fatal(err)
	}
	report, err := oplog.ValidateAndTruncateLog(tb.LogPath(), users)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Truncated {
		t.Fatalf("expected truncation, got %+v", report)
	}

	current, err := tb.ReadCurrent()
	if err != nil {
		t.Fatal(err)
	}
	if string(current) != "key|val\na|2\n" {
		t.Fatalf("current.csv must stay authoritative after log truncation, got %q", current)
	}

	if err := tb.Write([]byte("key|val\na|3\n"), "tester"); err != nil {
		t.Fatalf("subsequent write should succeed after recovery: %v", err)
	}
}

func corruptTrailingByte(content string) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	last := []byte(lines[len(lines)-1])
	last[len(last)-1] ^= 0x01
	lines[len(lines)-1] = string(last)
	return strings.Join(lines, "\n") + "\n"
}
