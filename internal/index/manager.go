package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/reedbase/reedbase/internal/engineerrors"
)

// secondaryIndex pairs a backing index with its persisted metadata.
type secondaryIndex struct {
	backend  Backend
	metadata *Metadata
}

// QueryFilter is one constraint over an indexed column: either equality
// (Value set) or a range (Lo/Hi set, at least one present).
type QueryFilter struct {
	Column  string
	Value   string
	Lo, Hi  string
	HasLo   bool
	HasHi   bool
	InclLo  bool
	InclHi  bool
	Prefix  bool
}

// IndexManager composes the namespace index, modifier index, hierarchy
// trie, and per-column backing indices, answering filtered lookups by
// intersecting candidate row-id sets (spec.md §4.6).
type IndexManager struct {
	mu         sync.RWMutex
	indicesDir string
	byColumn   map[string]map[string]*secondaryIndex // table -> column -> index

	Namespace *NamespaceIndex
	Modifiers *ModifierIndex
	Hierarchy *HierarchyTrie
}

// NewManager returns an empty manager rooted at indicesDir. It does not read
// persisted metadata: callers find persisted indices with ListPersisted and
// reattach each one with Attach.
func NewManager(indicesDir string) (*IndexManager, error) {
	m := &IndexManager{
		indicesDir: indicesDir,
		byColumn:   make(map[string]map[string]*secondaryIndex),
		Namespace:  NewNamespaceIndex(),
		Modifiers:  NewModifierIndex(),
		Hierarchy:  NewHierarchyTrie(),
	}
	return m, nil
}

// CreateIndex builds a backing index for table.column using the given
// backend kind and persists its metadata. If metadata for table.column
// already exists it returns AlreadyExistsError; Attach reattaches such an
// index.
func (m *IndexManager) CreateIndex(table, column string, backend BackendKind, auto bool, nowUnix int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := loadMetadata(m.indicesDir, table, column)
	if err != nil {
		return err
	}
	if existing != nil {
		return &engineerrors.AlreadyExistsError{Kind: "index", Name: table + "." + column}
	}

	var b Backend
	switch backend {
	case BackendHash:
		b = newHashBackend()
	case BackendBTree:
		dir := filepath.Join(m.indicesDir, table+"."+column+".idx")
		b, err = newBTreeBackend(dir)
		if err != nil {
			return err
		}
	default:
		return &engineerrors.ValidationError{Field: "backend", Reason: "unknown backend kind"}
	}

	meta := &Metadata{
		Table:       table,
		Column:      column,
		Backend:     string(backend),
		CreatedAt:   nowUnix,
		AutoCreated: auto,
	}
	if err := saveMetadata(m.indicesDir, meta); err != nil {
		return err
	}

	byCol, ok := m.byColumn[table]
	if !ok {
		byCol = make(map[string]*secondaryIndex)
		m.byColumn[table] = byCol
	}
	byCol[column] = &secondaryIndex{backend: b, metadata: meta}
	return nil
}

// ListPersisted returns the metadata of every index description file found
// under indicesDir, whether or not it is currently attached in an
// IndexManager. Used by Database::open to discover indices to reattach.
func ListPersisted(indicesDir string) ([]Metadata, error) {
	entries, err := os.ReadDir(indicesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Metadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(indicesDir, e.Name()))
		if err != nil {
			return nil, err
		}
		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Attach reattaches a previously persisted index, e.g. during
// Database::open, without going through CreateIndex's already-exists guard.
// A B-tree backend rehydrates its contents directly from its page file; a
// hash backend starts empty and relies on the caller to rebuild it from the
// table's current rows.
func (m *IndexManager) Attach(meta Metadata) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b Backend
	var err error
	switch BackendKind(meta.Backend) {
	case BackendHash:
		b = newHashBackend()
	case BackendBTree:
		dir := filepath.Join(m.indicesDir, meta.Table+"."+meta.Column+".idx")
		b, err = newBTreeBackend(dir)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &engineerrors.ValidationError{Field: "backend", Reason: "unknown backend kind"}
	}

	mcopy := meta
	byCol, ok := m.byColumn[meta.Table]
	if !ok {
		byCol = make(map[string]*secondaryIndex)
		m.byColumn[meta.Table] = byCol
	}
	byCol[meta.Column] = &secondaryIndex{backend: b, metadata: &mcopy}
	return b, nil
}

// DropIndex removes table.column's backing index and its metadata.
func (m *IndexManager) DropIndex(table, column string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCol, ok := m.byColumn[table]
	if !ok {
		return &engineerrors.NotFoundError{Kind: "index", Name: table + "." + column}
	}
	idx, ok := byCol[column]
	if !ok {
		return &engineerrors.NotFoundError{Kind: "index", Name: table + "." + column}
	}
	_ = idx.backend.Close()
	delete(byCol, column)
	if err := os.Remove(metadataPath(m.indicesDir, table, column)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Lookup returns the index attached to table.column, if any, along with
// whether it exists and is range-capable.
func (m *IndexManager) Lookup(table, column string) (Backend, BackendKind, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byCol, ok := m.byColumn[table]
	if !ok {
		return nil, "", false
	}
	idx, ok := byCol[column]
	if !ok {
		return nil, "", false
	}
	return idx.backend, BackendKind(idx.metadata.Backend), true
}

// List returns the metadata of every index currently attached.
func (m *IndexManager) List() []Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Metadata
	for _, byCol := range m.byColumn {
		for _, idx := range byCol {
			out = append(out, *idx.metadata)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Column < out[j].Column
	})
	return out
}

// MarkUsed bumps the usage counter for table.column and persists it.
func (m *IndexManager) MarkUsed(table, column string, nowUnix int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCol, ok := m.byColumn[table]
	if !ok {
		return
	}
	idx, ok := byCol[column]
	if !ok {
		return
	}
	idx.metadata.UsageCount++
	idx.metadata.LastUsed = nowUnix
	_ = saveMetadata(m.indicesDir, idx.metadata)
}

// IndexValue inserts rowID under value in table.column's backing index, if
// one is attached. It is a no-op when no index exists for that column.
func (m *IndexManager) IndexValue(table, column, value, rowID string) error {
	m.mu.RLock()
	byCol, ok := m.byColumn[table]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	idx, ok := byCol[column]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return idx.backend.Insert(value, rowID)
}

// UnindexValue removes rowID from value in table.column's backing index, if
// one is attached.
func (m *IndexManager) UnindexValue(table, column, value, rowID string) error {
	m.mu.RLock()
	byCol, ok := m.byColumn[table]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	idx, ok := byCol[column]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return idx.backend.Delete(value, rowID)
}

// compactable is implemented by backends that hold their own durable page
// file and can write a checkpoint and a snapshot of their live entries.
type compactable interface {
	Compact() error
}

// CompactIndex checkpoints table.column's backing index and writes a snapshot
// of its live entries, if its backend supports it; the page file itself is
// not shrunk. It is a no-op for a hash backend, which has no page
// file of its own.
func (m *IndexManager) CompactIndex(table, column string) error {
	backend, _, ok := m.Lookup(table, column)
	if !ok {
		return &engineerrors.NotFoundError{Kind: "index", Name: table + "." + column}
	}
	c, ok := backend.(compactable)
	if !ok {
		return nil
	}
	return c.Compact()
}

// IndexedColumns returns the columns of table that currently have a
// backing index attached.
func (m *IndexManager) IndexedColumns(table string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byCol, ok := m.byColumn[table]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(byCol))
	for col := range byCol {
		out = append(out, col)
	}
	sort.Strings(out)
	return out
}

// Resolve answers a QueryFilter by consulting the matching backing index
// and returns the candidate row ids, or ok=false if no index can answer it
// (callers should fall back to a full scan).
func (m *IndexManager) Resolve(table string, filter QueryFilter) ([]string, bool) {
	backend, _, ok := m.Lookup(table, filter.Column)
	if !ok {
		return nil, false
	}
	if filter.Prefix {
		return backend.Range(filter.Value, prefixUpperBound(filter.Value), true, false), true
	}
	if filter.HasLo || filter.HasHi {
		return backend.Range(filter.Lo, filter.Hi, filter.InclLo, filter.InclHi), true
	}
	rows, found := backend.Get(filter.Value)
	if !found {
		return nil, true
	}
	return rows, true
}

// Intersect returns the intersection of several row-id sets, ordering by
// the smallest set first so later passes do the least work, per spec.md
// §4.6 ("taking the intersection of the candidate sets, smallest first").
func Intersect(sets [][]string) []string {
	if len(sets) == 0 {
		return nil
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })

	acc := make(map[string]struct{}, len(sets[0]))
	for _, id := range sets[0] {
		acc[id] = struct{}{}
	}
	for _, set := range sets[1:] {
		next := make(map[string]struct{})
		members := make(map[string]struct{}, len(set))
		for _, id := range set {
			members[id] = struct{}{}
		}
		for id := range acc {
			if _, ok := members[id]; ok {
				next[id] = struct{}{}
			}
		}
		acc = next
	}
	return sortedSetKeys(acc)
}

// prefixUpperBound returns the lexicographic successor bound used for a
// half-open prefix scan: the smallest string greater than every string with
// prefix p.
func prefixUpperBound(p string) string {
	b := []byte(p)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return "" // empty means "no upper bound" by convention of Range above
}
