// Package btree implements the generic, page-backed B+-Tree of spec.md
// §4.3: get/insert/delete/range/scan over an ordered key space, split on
// overflow, redistribute-or-merge on underflow, all routed through
// internal/page's Pager (an arena of fixed-size pages addressed by id) and
// durable via internal/walog.
//
// Keys and values are raw bytes. The teacher's pkg/btree/btree.go keeps an
// in-memory pointer tree with per-node sync.RWMutex latch-crabbing over a
// heap-offset value; this package keeps that tree-shaped descent and
// split/merge logic but re-targets it at page ids instead of pointers
// (spec.md §9's "arena of pages, no in-memory cycle to own" design note)
// and coarsens the locking to one whole-tree sync.RWMutex, matching
// spec.md §4.3's explicit "operations take/release the whole-tree lock
// (implementation may refine)" baseline — the teacher's node-level latch
// crabbing is the refinement this leaves on the table.
package btree

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/reedbase/reedbase/internal/engineerrors"
	"github.com/reedbase/reedbase/internal/page"
	"github.com/reedbase/reedbase/internal/walog"
)

// OnConflict resolves spec.md §9's open question: does insert on an
// existing key replace or error?
type OnConflict int

const (
	Replace OnConflict = iota
	ErrorOnDuplicate
)

// Options configures a Tree, mirroring the teacher's wal.Options /
// DefaultOptions shape (a plain struct plus a Default constructor).
type Options struct {
	PageSize   int
	Order      int // O >= 3
	OnConflict OnConflict
	Sync       walog.Options
}

func DefaultOptions() Options {
	return Options{
		PageSize:   page.DefaultPageSize,
		Order:      64,
		OnConflict: Replace,
		Sync:       walog.DefaultOptions(),
	}
}

func (o Options) maxKeys() int { return o.Order - 1 }
func (o Options) minKeys() int { return (o.Order+1)/2 - 1 }

// meta is the small persisted bit of tree state recovered on Open: the root
// page id and the next-page-id counter (spec.md §3's B+-Tree handle
// fields).
type meta struct {
	RootPageID uint32 `json:"root_page_id"`
	NextPageID uint32 `json:"next_page_id"`
}

// Tree is a handle to a page file, a root page id, a next-page-id counter
// (owned by the Pager) and an attached WAL, exactly as spec.md §3 defines.
type Tree struct {
	mu       sync.RWMutex
	pager    *page.Pager
	wal      *walog.Writer
	opts     Options
	root     uint32
	metaPath string
	lsn      uint64
}

// Open creates or attaches to a B+-Tree at dir (containing tree.page,
// tree.wal and tree.meta.json). On open, the WAL is replayed before any
// read or write is served (spec.md §4.2).
func Open(dir string, opts Options) (*Tree, error) {
	if opts.Order < 3 {
		return nil, errors.Newf("btree: order must be >= 3, got %d", opts.Order)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "btree: mkdir")
	}

	metaPath := filepath.Join(dir, "tree.meta.json")
	m := meta{}
	if data, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(data, &m)
	}

	pager, err := page.Open(filepath.Join(dir, "tree.page"), opts.PageSize, m.NextPageID)
	if err != nil {
		return nil, err
	}

	walPath := filepath.Join(dir, "tree.wal")
	w, err := walog.Open(walPath, opts.Sync)
	if err != nil {
		pager.Close()
		return nil, err
	}

	t := &Tree{pager: pager, wal: w, opts: opts, root: m.RootPageID, metaPath: metaPath}

	if m.RootPageID == 0 {
		if err := t.createEmptyRoot(); err != nil {
			return nil, err
		}
	}

	if err := t.recover(walPath); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Tree) createEmptyRoot() error {
	id := t.pager.AllocatePageID()
	root := &page.Node{PageID: id, Leaf: true}
	buf, err := page.Encode(root, t.opts.PageSize)
	if err != nil {
		return err
	}
	if err := t.pager.WritePage(id, buf); err != nil {
		return err
	}
	t.root = id
	return t.saveMeta()
}

// recover replays the WAL, applying each entry directly to pages (bypassing
// re-logging), then truncates it once fully applied — spec.md §4.2: replay
// runs before any read/write is served, and is idempotent.
func (t *Tree) recover(walPath string) error {
	var maxLSN uint64
	for entry := range walog.Replay(walPath) {
		switch entry.Header.EntryType {
		case walog.EntryInsert:
			k, v := walog.DecodeInsert(entry.Payload)
			if err := t.insertLocked(k, v); err != nil {
				return err
			}
		case walog.EntryDelete:
			k := walog.DecodeDelete(entry.Payload)
			_ = t.deleteLocked(k) // idempotent: already-applied deletes are fine
		}
		if entry.Header.LSN > maxLSN {
			maxLSN = entry.Header.LSN
		}
	}
	atomic.StoreUint64(&t.lsn, maxLSN)
	return t.wal.Truncate()
}

func (t *Tree) nextLSN() uint64 {
	return atomic.AddUint64(&t.lsn, 1)
}

func (t *Tree) saveMeta() error {
	data, err := json.Marshal(meta{RootPageID: t.root, NextPageID: t.pager.NextPageID()})
	if err != nil {
		return err
	}
	tmp := t.metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "btree: write meta")
	}
	return errors.Wrap(os.Rename(tmp, t.metaPath), "btree: rename meta")
}

func (t *Tree) readNode(id uint32) (*page.Node, error) {
	buf, err := t.pager.ReadPage(id)
	if err != nil {
		return nil, &engineerrors.PageIoError{PageID: id, Op: "read", Err: err}
	}
	if err := page.Validate(buf, t.opts.PageSize); err != nil {
		return nil, err
	}
	return page.Decode(buf)
}

func (t *Tree) writeNode(n *page.Node) error {
	buf, err := page.Encode(n, t.opts.PageSize)
	if err != nil {
		return err
	}
	if err := t.pager.WritePage(n.PageID, buf); err != nil {
		return &engineerrors.PageIoError{PageID: n.PageID, Op: "write", Err: err}
	}
	return nil
}

// Get descends from root by binary search, per spec.md §4.3.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(key)
}

func (t *Tree) getLocked(key []byte) ([]byte, bool, error) {
	id := t.root
	for {
		n, err := t.readNode(id)
		if err != nil {
			return nil, false, err
		}
		if n.Leaf {
			i := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) >= 0 })
			if i < len(n.Keys) && bytes.Equal(n.Keys[i], key) {
				return n.Values[i], true, nil
			}
			return nil, false, nil
		}
		i := childIndex(n, key)
		id = n.Children[i]
	}
}

// childIndex finds which child to descend into for key: keys equal to a
// separator route right, per spec.md §4.3's tie-break rule.
func childIndex(n *page.Node, key []byte) int {
	i := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) > 0 })
	return i
}

// Insert performs a WAL-logged insert, replacing or erroring on an existing
// key depending on Options.OnConflict (spec.md §9).
func (t *Tree) Insert(key, value []byte) error {
	if len(key)+len(value)+32 > t.opts.PageSize {
		return &engineerrors.PayloadTooLargeError{Size: len(key) + len(value), MaxSize: t.opts.PageSize}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	lsn := t.nextLSN()
	if err := t.wal.LogInsert(lsn, key, value); err != nil {
		return err
	}
	return t.insertLocked(key, value)
}

func (t *Tree) insertLocked(key, value []byte) error {
	promotedKey, newChild, err := t.insertInto(t.root, key, value)
	if err != nil {
		return err
	}
	if newChild != 0 {
		newRootID := t.pager.AllocatePageID()
		newRoot := &page.Node{
			PageID:   newRootID,
			Leaf:     false,
			Keys:     [][]byte{promotedKey},
			Children: []uint32{t.root, newChild},
		}
		if err := t.writeNode(newRoot); err != nil {
			return err
		}
		t.root = newRootID
		if err := t.saveMeta(); err != nil {
			return err
		}
	}
	return nil
}

// insertInto recursively descends to the right leaf, inserts, and splits
// any node that overflows on the way back up, returning a promoted
// separator key and new sibling page id when a split occurred.
func (t *Tree) insertInto(id uint32, key, value []byte) ([]byte, uint32, error) {
	n, err := t.readNode(id)
	if err != nil {
		return nil, 0, err
	}

	if n.Leaf {
		i := sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) >= 0 })
		if i < len(n.Keys) && bytes.Equal(n.Keys[i], key) {
			if t.opts.OnConflict == ErrorOnDuplicate {
				return nil, 0, &engineerrors.DuplicateKeyError{Key: string(key)}
			}
			n.Values[i] = value
			return nil, 0, t.writeNode(n)
		}
		n.Keys = insertAt(n.Keys, i, key)
		n.Values = insertValueAt(n.Values, i, value)

		if len(n.Keys) <= t.opts.maxKeys() {
			return nil, 0, t.writeNode(n)
		}
		return t.splitLeaf(n)
	}

	i := childIndex(n, key)
	promoted, newChild, err := t.insertInto(n.Children[i], key, value)
	if err != nil || newChild == 0 {
		return nil, 0, err
	}

	n.Keys = insertAt(n.Keys, i, promoted)
	n.Children = insertChildAt(n.Children, i+1, newChild)

	if len(n.Keys) <= t.opts.maxKeys() {
		return nil, 0, t.writeNode(n)
	}
	return t.splitInternal(n)
}

func (t *Tree) splitLeaf(n *page.Node) ([]byte, uint32, error) {
	mid := len(n.Keys) / 2
	rightID := t.pager.AllocatePageID()

	right := &page.Node{
		PageID: rightID,
		Leaf:   true,
		Keys:   append([][]byte{}, n.Keys[mid:]...),
		Values: append([][]byte{}, n.Values[mid:]...),
		Next:   n.Next,
	}
	n.Keys = n.Keys[:mid]
	n.Values = n.Values[:mid]
	n.Next = rightID

	if err := t.writeNode(right); err != nil {
		return nil, 0, err
	}
	if err := t.writeNode(n); err != nil {
		return nil, 0, err
	}
	return right.Keys[0], rightID, nil
}

func (t *Tree) splitInternal(n *page.Node) ([]byte, uint32, error) {
	mid := len(n.Keys) / 2
	promoted := n.Keys[mid]
	rightID := t.pager.AllocatePageID()

	right := &page.Node{
		PageID:   rightID,
		Leaf:     false,
		Keys:     append([][]byte{}, n.Keys[mid+1:]...),
		Children: append([]uint32{}, n.Children[mid+1:]...),
	}
	n.Keys = n.Keys[:mid]
	n.Children = n.Children[:mid+1]

	if err := t.writeNode(right); err != nil {
		return nil, 0, err
	}
	if err := t.writeNode(n); err != nil {
		return nil, 0, err
	}
	return promoted, rightID, nil
}

func insertAt(keys [][]byte, i int, key []byte) [][]byte {
	keys = append(keys, nil)
	copy(keys[i+1:], keys[i:])
	keys[i] = key
	return keys
}

func insertValueAt(values [][]byte, i int, value []byte) [][]byte {
	values = append(values, nil)
	copy(values[i+1:], values[i:])
	values[i] = value
	return values
}

func insertChildAt(children []uint32, i int, child uint32) []uint32 {
	children = append(children, 0)
	copy(children[i+1:], children[i:])
	children[i] = child
	return children
}

// Close syncs and releases the pager and WAL.
func (t *Tree) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.pager.Sync(); err != nil {
		return err
	}
	if err := t.saveMeta(); err != nil {
		return err
	}
	if err := t.wal.Close(); err != nil {
		return err
	}
	return t.pager.Close()
}

// Checkpoint flushes pages and truncates the WAL, per spec.md §4.2.
func (t *Tree) Checkpoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.pager.Sync(); err != nil {
		return err
	}
	if err := t.saveMeta(); err != nil {
		return err
	}
	return t.wal.Truncate()
}

// snapshotEntry is one key/value pair in a Compact snapshot, in tree order.
type snapshotEntry struct {
	Key   []byte `json:"k"`
	Value []byte `json:"v"`
}

// Compact checkpoints the tree, then writes a zstd-compressed snapshot of
// every live key/value pair to tree.snapshot.zst, holding only what Scan
// would currently yield. The page file is left as it is: the dead pages of
// earlier splits and merges stay in it, and the snapshot is written beside
// it rather than replacing it.
func (t *Tree) Compact() error {
	if err := t.Checkpoint(); err != nil {
		return err
	}

	t.mu.RLock()
	var entries []snapshotEntry
	for k, v := range t.Scan() {
		entries = append(entries, snapshotEntry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
	}
	t.mu.RUnlock()

	raw, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "btree: marshal snapshot")
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return errors.Wrap(err, "btree: new zstd writer")
	}
	defer enc.Close()
	compressed := enc.EncodeAll(raw, nil)

	path := t.snapshotPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return errors.Wrap(err, "btree: write snapshot")
	}
	return os.Rename(tmp, path)
}

// Snapshot decodes and returns the key/value pairs held in the most recent
// Compact snapshot, for a collaborator that wants a cold, self-contained
// copy of the index's live contents without walking the page file.
func (t *Tree) Snapshot() ([][2][]byte, error) {
	compressed, err := os.ReadFile(t.snapshotPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "btree: new zstd reader")
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "btree: decode snapshot")
	}

	var entries []snapshotEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "btree: unmarshal snapshot")
	}
	out := make([][2][]byte, len(entries))
	for i, e := range entries {
		out[i] = [2][]byte{e.Key, e.Value}
	}
	return out, nil
}

func (t *Tree) snapshotPath() string {
	return filepath.Join(filepath.Dir(t.metaPath), "tree.snapshot.zst")
}
