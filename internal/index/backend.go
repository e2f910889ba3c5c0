// Package index implements the secondary index manager of spec.md §4.6: a
// namespace index, a modifier index, a hierarchy trie, and a pluggable
// backing index (hash or B+-Tree) composed by IndexManager to answer query
// filters in O(1) or O(depth) rather than a full table scan.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/reedbase/reedbase/internal/btree"
)

// Backend is the small capability interface every backing index variant
// implements (spec.md §9: "Polymorphism over backends").
type Backend interface {
	Get(key string) ([]string, bool)
	Insert(key, rowID string) error
	Delete(key, rowID string) error
	Range(lo, hi string, inclLo, inclHi bool) []string
	Scan() []string
	Len() int
	Close() error
}

// BackendKind names which Backend implementation an index uses.
type BackendKind string

const (
	BackendHash  BackendKind = "hash"
	BackendBTree BackendKind = "btree"
)

// hashBackend answers equality lookups only, per spec.md §4.6's backend
// selection rule ("equality/IN -> hash").
type hashBackend struct {
	mu   sync.RWMutex
	rows map[string]map[string]struct{}
}

func newHashBackend() *hashBackend {
	return &hashBackend{rows: make(map[string]map[string]struct{})}
}

func (b *hashBackend) Get(key string) ([]string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set, ok := b.rows[key]
	if !ok {
		return nil, false
	}
	return sortedSetKeys(set), true
}

func (b *hashBackend) Insert(key, rowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.rows[key]
	if !ok {
		set = make(map[string]struct{})
		b.rows[key] = set
	}
	set[rowID] = struct{}{}
	return nil
}

func (b *hashBackend) Delete(key, rowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.rows[key]
	if !ok {
		return nil
	}
	delete(set, rowID)
	if len(set) == 0 {
		delete(b.rows, key)
	}
	return nil
}

// Range on a hash backend degrades to a linear scan: hash indices are not
// range-capable, but Range must still answer correctly for a mixed-backend
// IndexManager that falls back to it.
func (b *hashBackend) Range(lo, hi string, inclLo, inclHi bool) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for key, set := range b.rows {
		if !inRange(key, lo, hi, inclLo, inclHi) {
			continue
		}
		out = append(out, sortedSetKeys(set)...)
	}
	sort.Strings(out)
	return out
}

func (b *hashBackend) Scan() []string {
	return b.Range("", "", true, true)
}

func (b *hashBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rows)
}

func (b *hashBackend) Close() error { return nil }

// btreeBackend wraps the storage engine's B+-Tree to provide a
// range-capable backing index, persisted as a page file alongside the
// table (spec.md §4.6).
type btreeBackend struct {
	tree *btree.Tree
	rows map[string]map[string]struct{}
	mu   sync.RWMutex
}

func newBTreeBackend(dir string) (*btreeBackend, error) {
	opts := btree.DefaultOptions()
	tree, err := btree.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	b := &btreeBackend{tree: tree, rows: make(map[string]map[string]struct{})}
	for k, v := range tree.Scan() {
		set := make(map[string]struct{})
		for _, rowID := range decodeRowIDs(v) {
			set[rowID] = struct{}{}
		}
		b.rows[string(k)] = set
	}
	return b, nil
}

func (b *btreeBackend) Get(key string) ([]string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set, ok := b.rows[key]
	if !ok {
		return nil, false
	}
	return sortedSetKeys(set), true
}

func (b *btreeBackend) Insert(key, rowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.rows[key]
	if !ok {
		set = make(map[string]struct{})
		b.rows[key] = set
	}
	set[rowID] = struct{}{}
	return b.persistLocked(key, set)
}

func (b *btreeBackend) Delete(key, rowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.rows[key]
	if !ok {
		return nil
	}
	delete(set, rowID)
	if len(set) == 0 {
		delete(b.rows, key)
		return b.tree.Delete([]byte(key))
	}
	return b.persistLocked(key, set)
}

func (b *btreeBackend) persistLocked(key string, set map[string]struct{}) error {
	return b.tree.Insert([]byte(key), encodeRowIDs(sortedSetKeys(set)))
}

func (b *btreeBackend) Range(lo, hi string, inclLo, inclHi bool) []string {
	var loB, hiB []byte
	if lo != "" {
		loB = []byte(lo)
	}
	if hi != "" {
		hiB = []byte(hi)
	}
	var out []string
	for _, v := range b.tree.Range(loB, hiB, inclLo, inclHi) {
		out = append(out, decodeRowIDs(v)...)
	}
	return out
}

func (b *btreeBackend) Scan() []string {
	var out []string
	for _, v := range b.tree.Scan() {
		out = append(out, decodeRowIDs(v)...)
	}
	return out
}

func (b *btreeBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rows)
}

func (b *btreeBackend) Close() error { return b.tree.Close() }

// Compact checkpoints the underlying tree and writes a compressed snapshot
// of its live entries; the page file itself is not shrunk.
func (b *btreeBackend) Compact() error { return b.tree.Compact() }

func encodeRowIDs(ids []string) []byte {
	data, _ := json.Marshal(ids)
	return data
}

func decodeRowIDs(data []byte) []string {
	var ids []string
	_ = json.Unmarshal(data, &ids)
	return ids
}

func sortedSetKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func inRange(key, lo, hi string, inclLo, inclHi bool) bool {
	if lo != "" {
		if key < lo || (key == lo && !inclLo) {
			return false
		}
	}
	if hi != "" {
		if key > hi || (key == hi && !inclHi) {
			return false
		}
	}
	return true
}

// Metadata is the persisted description of one secondary index (spec.md
// §6's index metadata format).
type Metadata struct {
	Table       string `json:"table"`
	Column      string `json:"column"`
	Backend     string `json:"backend"`
	CreatedAt   int64  `json:"created_at"`
	LastUsed    int64  `json:"last_used,omitempty"`
	UsageCount  int64  `json:"usage_count"`
	AutoCreated bool   `json:"auto_created"`
}

func metadataPath(indicesDir, table, column string) string {
	return filepath.Join(indicesDir, fmt.Sprintf("%s.%s.meta.json", table, column))
}

func loadMetadata(indicesDir, table, column string) (*Metadata, error) {
	data, err := os.ReadFile(metadataPath(indicesDir, table, column))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func saveMetadata(indicesDir string, m *Metadata) error {
	if err := os.MkdirAll(indicesDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := metadataPath(indicesDir, m.Table, m.Column)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
