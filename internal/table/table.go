// Package table implements the versioned CSV table layer of spec.md §4.4:
// each table owns a directory holding current.csv, a chain of reversible
// deltas, and an append-only version.log recording every accepted write.
package table

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/reedbase/reedbase/internal/coordinator"
	"github.com/reedbase/reedbase/internal/engineerrors"
	"github.com/reedbase/reedbase/internal/merge"
	"github.com/reedbase/reedbase/internal/oplog"
	"github.com/reedbase/reedbase/internal/page"
)

// Table owns one directory under a database's base path.
type Table struct {
	base  string
	name  string
	dir   string
	users *oplog.UserDictionary

	tsMu   sync.Mutex
	lastTS int64
}

// New opens (without requiring it to already be initialised) the table
// directory <base>/<name>.
func New(base, name string) (*Table, error) {
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "table: create directory")
	}
	users, err := oplog.OpenUserDictionary(filepath.Join(dir, "users.dict.json"))
	if err != nil {
		return nil, err
	}
	return &Table{base: base, name: name, dir: dir, users: users}, nil
}

// Exists reports whether a table directory with an initialised
// current.csv already exists under base.
func Exists(base, name string) bool {
	_, err := os.Stat(filepath.Join(base, name, "current.csv"))
	return err == nil
}

func (t *Table) CurrentPath() string        { return filepath.Join(t.dir, "current.csv") }
func (t *Table) DeltaPath(ts int64) string   { return filepath.Join(t.dir, "deltas", fmt.Sprintf("%d.bin", ts)) }
func (t *Table) LogPath() string             { return filepath.Join(t.dir, "version.log") }
func (t *Table) Name() string                { return t.name }
func (t *Table) Dir() string                 { return t.dir }

// Init creates current.csv with the given bytes and writes the first log
// entry with base_version=0. It fails if the table is already initialised.
func (t *Table) Init(content []byte, user string) error {
	if Exists(t.base, t.name) {
		return &engineerrors.AlreadyExistsError{Kind: "table", Name: t.name}
	}
	if err := writeFileAtomic(t.CurrentPath(), content); err != nil {
		return err
	}
	return t.appendLogEntry("init", user, 0, content)
}

// ReadCurrent returns the raw bytes of current.csv.
func (t *Table) ReadCurrent() ([]byte, error) {
	data, err := os.ReadFile(t.CurrentPath())
	if os.IsNotExist(err) {
		return nil, &engineerrors.NotFoundError{Kind: "table", Name: t.name}
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// ReadCurrentAsRows parses current.csv into a header and row set.
func (t *Table) ReadCurrentAsRows() ([]string, []merge.Row, error) {
	data, err := t.ReadCurrent()
	if err != nil {
		return nil, nil, err
	}
	return ParseRows(data)
}

// Write performs the versioned write critical path described in spec.md
// §4.4: acquire the table lock, read the old content, compute a reversible
// delta, write the delta file, atomically replace current.csv, append a log
// entry, release the lock.
func (t *Table) Write(newContent []byte, user string) error {
	_, err := t.writeAs("update", newContent, user, 0)
	return err
}

// WriteResult reports the outcome of a version write: the timestamp it was
// recorded under and the size of the delta file produced.
type WriteResult struct {
	Timestamp int64
	DeltaSize int64
}

// WriteWithResult behaves like Write but also reports the new version's
// timestamp and delta size, for callers (the facade's execute) that surface
// them to the caller per spec.md §4.10.
func (t *Table) WriteWithResult(newContent []byte, user string) (WriteResult, error) {
	return t.writeAs("update", newContent, user, 0)
}

func (t *Table) writeAs(action string, newContent []byte, user string, baseTS int64) (WriteResult, error) {
	return t.withLock(action, user, baseTS, func([]byte) ([]byte, error) {
		return newContent, nil
	})
}

// errNoRowChange signals withLock's mutate callback found nothing to write,
// so MutateRows should skip the write rather than treat it as a failure.
var errNoRowChange = errors.New("table: no row change")

// withLock is the table's sole read_modify_write critical section (spec.md
// §4.4 steps 1-5, §4.7's "advisory lock held over the entire
// read_modify_write critical section"): acquire the lock, read the current
// bytes, let mutate decide the new bytes from them, then delta + replace +
// log, all before releasing the lock. mutate runs under the lock so its
// decision is never made against a state a concurrent writer has since
// replaced.
func (t *Table) withLock(action, user string, baseTS int64, mutate func(oldContent []byte) ([]byte, error)) (WriteResult, error) {
	lock, err := coordinator.AcquireLock(t.base, t.name, defaultLockTimeout)
	if err != nil {
		return WriteResult{}, err
	}
	defer lock.Unlock()

	oldContent, err := t.ReadCurrent()
	if err != nil {
		return WriteResult{}, err
	}

	newContent, err := mutate(oldContent)
	if err != nil {
		return WriteResult{}, err
	}

	delta := encodeDelta(oldContent)
	ts := nextTimestamp(t)
	if err := writeFileAtomic(t.DeltaPath(ts), delta); err != nil {
		return WriteResult{}, err
	}
	if err := writeFileAtomic(t.CurrentPath(), newContent); err != nil {
		return WriteResult{}, err
	}
	if err := t.appendLogEntryAt(action, user, ts, baseTS, newContent); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Timestamp: ts, DeltaSize: int64(len(delta))}, nil
}

// ReadModifyWrite applies f to current.csv's bytes and writes the result
// back, with the read and the write in the same locked critical section.
func (t *Table) ReadModifyWrite(f func([]byte) []byte, user string) error {
	_, err := t.withLock("update", user, 0, func(oldContent []byte) ([]byte, error) {
		return f(oldContent), nil
	})
	return err
}

// MutateRows is ReadModifyWrite at row granularity: it parses current.csv
// under the table lock, lets mutate recompute the row set against that
// locked read, and — only if mutate reports any row changes — writes the
// new content back before releasing the lock. This is what callers composing
// a DML statement's effect (INSERT/UPDATE/DELETE) against the table's rows
// must use instead of reading rows and writing separately, since two
// concurrent callers reading-then-writing outside a shared critical section
// would otherwise each compute their result against a state the other has
// since replaced and the later write would clobber the earlier one.
func (t *Table) MutateRows(user string, mutate func(header []string, oldRows []merge.Row) (newRows []merge.Row, changed []merge.RowChange, err error)) ([]string, []merge.RowChange, WriteResult, error) {
	var header []string
	var changed []merge.RowChange
	wr, err := t.withLock("update", user, 0, func(oldContent []byte) ([]byte, error) {
		h, oldRows, err := ParseRows(oldContent)
		if err != nil {
			return nil, err
		}
		header = h
		newRows, ch, err := mutate(h, oldRows)
		if err != nil {
			return nil, err
		}
		if len(ch) == 0 {
			return nil, errNoRowChange
		}
		changed = ch
		return EncodeRows(h, newRows), nil
	})
	if errors.Is(err, errNoRowChange) {
		return header, nil, WriteResult{}, nil
	}
	if err != nil {
		return nil, nil, WriteResult{}, err
	}
	return header, changed, wr, nil
}

// ListVersions parses version.log into its constituent entries, oldest
// first.
func (t *Table) ListVersions() ([]oplog.LogEntry, error) {
	data, err := os.ReadFile(t.LogPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries, errs := oplog.DecodeEntries(string(data), t.users)
	if len(errs) > 0 {
		return entries, errs[0]
	}
	return entries, nil
}

// ReconstructAsOf walks the delta chain backward from current.csv to
// recover the bytes current.csv held at timestamp ts, without writing
// anything. ts=0 means the table's initial state.
func (t *Table) ReconstructAsOf(ts int64) ([]byte, error) {
	versions, err := t.ListVersions()
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Timestamp > versions[j].Timestamp })

	content, err := t.ReadCurrent()
	if err != nil {
		return nil, err
	}

	found := false
	for _, v := range versions {
		if v.Timestamp == ts {
			found = true
			break
		}
		if v.Action == "init" {
			// Init writes no delta: content already holds the initial state.
			break
		}
		deltaBytes, err := os.ReadFile(t.DeltaPath(v.Timestamp))
		if err != nil {
			return nil, errors.Wrapf(err, "table: read delta for version %d", v.Timestamp)
		}
		content, err = decodeDelta(deltaBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "table: decode delta for version %d", v.Timestamp)
		}
	}
	if !found && ts != 0 {
		return nil, &engineerrors.NotFoundError{Kind: "version", Name: fmt.Sprintf("%d", ts)}
	}
	return content, nil
}

// Rollback reconstructs the state current.csv held at timestamp ts by
// walking the delta chain backward from the present, then issues that
// reconstructed content as a new forward write (so rollback is itself a new
// version), per spec.md's resolution of its own open question. The log
// entry's base_version names the version being superseded by the rollback
// (the table's current head going in), not the rollback target ts.
func (t *Table) Rollback(ts int64, user string) error {
	content, err := t.ReconstructAsOf(ts)
	if err != nil {
		return err
	}
	versions, err := t.ListVersions()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return &engineerrors.NotFoundError{Kind: "version", Name: fmt.Sprintf("%d", ts)}
	}
	current := versions[len(versions)-1].Timestamp
	_, err = t.writeAs("rollback", content, user, current)
	return err
}

// ValidateAndTruncateLog runs crash recovery over version.log, truncating
// at the first corrupt or torn entry. Called once per table on
// Database::open.
func (t *Table) ValidateAndTruncateLog() (oplog.ValidationReport, error) {
	if _, err := os.Stat(t.LogPath()); os.IsNotExist(err) {
		return oplog.ValidationReport{}, nil
	}
	return oplog.ValidateAndTruncateLog(t.LogPath(), t.users)
}

// Delete removes the table directory. It refuses unless confirm is true.
func (t *Table) Delete(confirm bool) error {
	if !confirm {
		return &engineerrors.ValidationError{Field: "confirm", Reason: "table deletion requires explicit confirmation"}
	}
	return os.RemoveAll(t.dir)
}

func (t *Table) appendLogEntry(action, user string, baseTS int64, content []byte) error {
	ts := nextTimestamp(t)
	return t.appendLogEntryAt(action, user, ts, baseTS, content)
}

func (t *Table) appendLogEntryAt(action, user string, ts, baseTS int64, content []byte) error {
	hash := fmt.Sprintf("%08x", page.Checksum(content))
	_, rows, err := ParseRows(content)
	rowCount := 0
	if err == nil {
		rowCount = len(rows)
	}

	entry := oplog.LogEntry{
		Timestamp: ts,
		Action:    action,
		User:      user,
		BaseTS:    baseTS,
		Size:      int64(len(content)),
		Rows:      int64(rowCount),
		Hash:      hash,
		FrameID:   oplog.NoFrame,
	}
	line, err := oplog.EncodeEntry(entry, t.users)
	if err != nil {
		return err
	}
	return oplog.AppendEntry(t.LogPath(), line)
}

func writeFileAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
