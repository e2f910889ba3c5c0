package oplog

import (
	"os"
	"path/filepath"
	"strings"
)

// ValidationReport summarises a pass over a table's version.log.
type ValidationReport struct {
	TotalLines     int
	CorruptedCount int
	Truncated      bool
}

// AppendEntry appends encoded (already including its trailing newline, or
// not — a newline is ensured) to path, creating the file if missing, and
// flushes it to stable storage before returning, per spec.md §4.5.
func AppendEntry(path, encoded string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if !strings.HasSuffix(encoded, "\n") {
		encoded += "\n"
	}
	if _, err := f.WriteString(encoded); err != nil {
		return err
	}
	return f.Sync()
}

// ValidateLog scans path and reports how many of its lines fail to decode.
// It does not modify the file.
func ValidateLog(path string, users *UserDictionary) (ValidationReport, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ValidationReport{}, nil
	}
	if err != nil {
		return ValidationReport{}, err
	}

	lines := splitNonEmpty(string(data))
	report := ValidationReport{TotalLines: len(lines)}
	for i, line := range lines {
		if _, err := DecodeEntry(line, i+1, users); err != nil {
			report.CorruptedCount++
		}
	}
	return report, nil
}

// ValidateAndTruncateLog is the crash-recovery primitive (spec.md §4.5): it
// scans path from the start, keeps every line up to (but not including) the
// first corrupted one, and atomically rewrites the file with only that
// prefix. Lines after the first corruption are unreachable by a sequential
// reader anyway and are discarded, not merely skipped.
func ValidateAndTruncateLog(path string, users *UserDictionary) (ValidationReport, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ValidationReport{}, nil
	}
	if err != nil {
		return ValidationReport{}, err
	}

	lines := splitNonEmpty(string(data))
	report := ValidationReport{TotalLines: len(lines)}

	goodUpto := len(lines)
	for i, line := range lines {
		if _, err := DecodeEntry(line, i+1, users); err != nil {
			goodUpto = i
			report.CorruptedCount = len(lines) - i
			break
		}
	}

	if goodUpto == len(lines) {
		return report, nil
	}

	report.Truncated = true
	var kept strings.Builder
	for _, line := range lines[:goodUpto] {
		kept.WriteString(line)
		kept.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(kept.String()), 0o644); err != nil {
		return report, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return report, err
	}
	return report, nil
}

func splitNonEmpty(content string) []string {
	raw := strings.Split(content, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
