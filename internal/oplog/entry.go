// Package oplog implements the per-table operation log codec (spec.md §4.5):
// a pipe-delimited, CRC32-checked line format recording every accepted write
// against a table's version history, with legacy-format read compatibility.
package oplog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/reedbase/reedbase/internal/engineerrors"
	"github.com/reedbase/reedbase/internal/page"
)

// Magic is the literal prefix of every current-format log line.
const Magic = "REED"

// NoFrame is the literal written for an absent frame id.
const NoFrame = "n/a"

// LogEntry is one accepted write recorded against a table's version.log.
type LogEntry struct {
	Timestamp int64
	Action    string
	User      string
	BaseTS    int64
	Size      int64
	Rows      int64
	Hash      string
	FrameID   string // NoFrame when absent
}

// knownActions is the fixed action vocabulary; encoding any other string
// fails with UnknownActionError, per spec.md §4.5.
var knownActions = map[string]uint8{
	"init":     1,
	"insert":   2,
	"update":   3,
	"delete":   4,
	"rollback": 5,
	"merge":    6,
	"queue":    7,
}

var actionsByCode = func() map[uint8]string {
	m := make(map[uint8]string, len(knownActions))
	for name, code := range knownActions {
		m[code] = name
	}
	return m
}()

func encodeAction(action string) (uint8, error) {
	code, ok := knownActions[action]
	if !ok {
		return 0, &engineerrors.UnknownActionError{Action: action}
	}
	return code, nil
}

func decodeAction(code uint8) (string, error) {
	name, ok := actionsByCode[code]
	if !ok {
		return "", fmt.Errorf("unknown action code %d", code)
	}
	return name, nil
}

// EncodeEntry renders e as a current-format (11-field) log line, not
// including the trailing newline.
func EncodeEntry(e LogEntry, users *UserDictionary) (string, error) {
	actionCode, err := encodeAction(e.Action)
	if err != nil {
		return "", err
	}
	userCode, err := users.Encode(e.User)
	if err != nil {
		return "", err
	}
	frameID := e.FrameID
	if frameID == "" {
		frameID = NoFrame
	}

	body := strings.Join([]string{
		strconv.FormatInt(e.Timestamp, 10),
		strconv.FormatUint(uint64(actionCode), 10),
		strconv.FormatUint(uint64(userCode), 10),
		strconv.FormatInt(e.BaseTS, 10),
		strconv.FormatInt(e.Size, 10),
		strconv.FormatInt(e.Rows, 10),
		e.Hash,
		frameID,
	}, "|")

	crc := page.Checksum([]byte(body))

	// len covers the whole line including the len field itself; since every
	// field but len has fixed-or-known width, compute it directly instead of
	// formatting twice.
	suffix := fmt.Sprintf("|%s|%08X", body, crc)
	total := len(Magic) + 1 + 8 + len(suffix)
	line := fmt.Sprintf("%s|%08X%s", Magic, total, suffix)
	return line, nil
}

// EncodeEntries renders each entry followed by a newline, concatenated.
func EncodeEntries(entries []LogEntry, users *UserDictionary) (string, error) {
	var b strings.Builder
	for _, e := range entries {
		line, err := EncodeEntry(e, users)
		if err != nil {
			return "", err
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// DecodeEntry parses one log line in whichever of the three supported
// formats (current 11-field, legacy 8-field, legacy 7-field) it matches,
// dispatching on field count after splitting on '|'.
func DecodeEntry(line string, lineNo int, users *UserDictionary) (LogEntry, error) {
	fields := strings.Split(line, "|")
	switch {
	case len(fields) == 11 && fields[0] == Magic:
		return decodeCurrent(fields, lineNo, users)
	case len(fields) == 8:
		return decodeLegacy8(fields, lineNo, users)
	case len(fields) == 7:
		return decodeLegacy7(fields, lineNo, users)
	default:
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "unrecognised field count"}
	}
}

func decodeCurrent(fields []string, lineNo int, users *UserDictionary) (LogEntry, error) {
	declaredLen, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "bad length field"}
	}
	body := strings.Join(fields[2:10], "|")
	crcField := fields[10]
	crc, err := strconv.ParseUint(crcField, 16, 32)
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "bad crc field"}
	}
	if page.Checksum([]byte(body)) != uint32(crc) {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "crc mismatch"}
	}

	reconstructedLen := len(Magic) + 1 + 8 /* len field */ + 1 + len(body) + 1 + len(crcField)
	if uint64(reconstructedLen) != declaredLen {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "length mismatch"}
	}

	return decodeFields(fields[2:10], lineNo, users, true)
}

func decodeLegacy8(fields []string, lineNo int, users *UserDictionary) (LogEntry, error) {
	return decodeFields(fields, lineNo, users, true)
}

func decodeLegacy7(fields []string, lineNo int, users *UserDictionary) (LogEntry, error) {
	return decodeFields(fields, lineNo, users, false)
}

// decodeFields parses the shared [ts, action, user, base_ts, size, rows,
// hash, frame_id?] body, with frame_id present only when hasFrame is true.
func decodeFields(f []string, lineNo int, users *UserDictionary, hasFrame bool) (LogEntry, error) {
	if (hasFrame && len(f) != 8) || (!hasFrame && len(f) != 7) {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "field count mismatch"}
	}

	ts, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "bad timestamp"}
	}
	actionCode, err := strconv.ParseUint(f[1], 10, 8)
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "bad action code"}
	}
	action, err := decodeAction(uint8(actionCode))
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: err.Error()}
	}
	userCode, err := strconv.ParseUint(f[2], 10, 32)
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "bad user code"}
	}
	user, err := users.Decode(uint32(userCode))
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: err.Error()}
	}
	baseTS, err := strconv.ParseInt(f[3], 10, 64)
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "bad base_ts"}
	}
	size, err := strconv.ParseInt(f[4], 10, 64)
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "bad size"}
	}
	rows, err := strconv.ParseInt(f[5], 10, 64)
	if err != nil {
		return LogEntry{}, &engineerrors.CorruptedLogEntryError{Line: lineNo, Reason: "bad rows"}
	}
	hash := f[6]

	frameID := NoFrame
	if hasFrame {
		frameID = f[7]
	}

	return LogEntry{
		Timestamp: ts,
		Action:    action,
		User:      user,
		BaseTS:    baseTS,
		Size:      size,
		Rows:      rows,
		Hash:      hash,
		FrameID:   frameID,
	}, nil
}

// DecodeEntries parses every non-empty line of content in order. It does not
// stop at the first error; callers that need stop-at-first-corruption
// semantics should use ValidateAndTruncateLog instead.
func DecodeEntries(content string, users *UserDictionary) ([]LogEntry, []error) {
	lines := strings.Split(content, "\n")
	var entries []LogEntry
	var errs []error
	for i, line := range lines {
		if line == "" {
			continue
		}
		e, err := DecodeEntry(line, i+1, users)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, errs
}

// FilterByAction returns the subset of entries with the given action.
func FilterByAction(entries []LogEntry, action string) []LogEntry {
	return filter(entries, func(e LogEntry) bool { return e.Action == action })
}

// FilterByUser returns the subset of entries written by the given user.
func FilterByUser(entries []LogEntry, user string) []LogEntry {
	return filter(entries, func(e LogEntry) bool { return e.User == user })
}

// FilterByTimeRange returns entries with fromTS <= Timestamp <= toTS.
func FilterByTimeRange(entries []LogEntry, fromTS, toTS int64) []LogEntry {
	return filter(entries, func(e LogEntry) bool { return e.Timestamp >= fromTS && e.Timestamp <= toTS })
}

func filter(entries []LogEntry, pred func(LogEntry) bool) []LogEntry {
	var out []LogEntry
	for _, e := range entries {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}
