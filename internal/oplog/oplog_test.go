package oplog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newUsers(t *testing.T) *UserDictionary {
	t.Helper()
	d, err := OpenUserDictionary(filepath.Join(t.TempDir(), "users.dict.json"))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	users := newUsers(t)
	e := LogEntry{
		Timestamp: 1700000000,
		Action:    "insert",
		User:      "alice",
		BaseTS:    0,
		Size:      128,
		Rows:      3,
		Hash:      "deadbeef",
		FrameID:   NoFrame,
	}

	line, err := EncodeEntry(e, users)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeEntry(line, 1, users)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestDecodeEntryDetectsBitFlip(t *testing.T) {
	users := newUsers(t)
	e := LogEntry{Timestamp: 42, Action: "update", User: "bob", Size: 10, Rows: 1, Hash: "abc", FrameID: NoFrame}
	line, err := EncodeEntry(e, users)
	if err != nil {
		t.Fatal(err)
	}

	flipped := []byte(line)
	// Flip a bit inside the body region (after the two header fields).
	idx := len(Magic) + 1 + 8 + 1
	flipped[idx] ^= 0x01

	_, err = DecodeEntry(string(flipped), 1, users)
	if err == nil {
		t.Fatal("expected corruption to be detected")
	}
}

func TestUnknownActionFailsToEncode(t *testing.T) {
	users := newUsers(t)
	_, err := EncodeEntry(LogEntry{Action: "frobnicate", User: "bob"}, users)
	if err == nil {
		t.Fatal("expected UnknownActionError")
	}
}

func TestAppendAndTruncateLog(t *testing.T) {
	users := newUsers(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "version.log")

	entries := []LogEntry{
		{Timestamp: 1, Action: "init", User: "tester", Hash: "h1", FrameID: NoFrame},
		{Timestamp: 2, Action: "insert", User: "tester", Hash: "h2", FrameID: NoFrame},
		{Timestamp: 3, Action: "update", User: "tester", Hash: "h3", FrameID: NoFrame},
	}
	for _, e := range entries {
		line, err := EncodeEntry(e, users)
		if err != nil {
			t.Fatal(err)
		}
		if err := AppendEntry(logPath, line); err != nil {
			t.Fatal(err)
		}
	}

	report, err := ValidateLog(logPath, users)
	if err != nil {
		t.Fatal(err)
	}
	if report.CorruptedCount != 0 || report.TotalLines != 3 {
		t.Fatalf("unexpected report before corruption: %+v", report)
	}

	// Corrupt the CRC of the last line in place, simulating a crash mid-write.
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := corruptLastLine(string(data))
	if err := os.WriteFile(logPath, []byte(corrupted), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err = ValidateAndTruncateLog(logPath, users)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Truncated {
		t.Fatalf("expected truncation, got %+v", report)
	}

	report, err = ValidateLog(logPath, users)
	if err != nil {
		t.Fatal(err)
	}
	if report.CorruptedCount != 0 {
		t.Fatalf("expected clean log after truncation, got %+v", report)
	}
	if report.TotalLines != 2 {
		t.Fatalf("expected 2 surviving lines, got %d", report.TotalLines)
	}
}

func corruptLastLine(content string) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	last := []byte(lines[len(lines)-1])
	last[len(last)-1] ^= 0x01
	lines[len(lines)-1] = string(last)
	return strings.Join(lines, "\n") + "\n"
}

func TestFilterHelpers(t *testing.T) {
	entries := []LogEntry{
		{Timestamp: 1, Action: "insert", User: "alice"},
		{Timestamp: 2, Action: "update", User: "bob"},
		{Timestamp: 3, Action: "insert", User: "bob"},
	}
	if got := FilterByAction(entries, "insert"); len(got) != 2 {
		t.Fatalf("FilterByAction = %d entries, want 2", len(got))
	}
	if got := FilterByUser(entries, "bob"); len(got) != 2 {
		t.Fatalf("FilterByUser = %d entries, want 2", len(got))
	}
	if got := FilterByTimeRange(entries, 2, 3); len(got) != 2 {
		t.Fatalf("FilterByTimeRange = %d entries, want 2", len(got))
	}
}
