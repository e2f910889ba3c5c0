package btree

import (
	"bytes"
	"iter"
	"sort"
)

// Range finds the leftmost leaf satisfying lo and walks forward via
// sibling links, yielding pairs until hi is exceeded, per spec.md §4.3. A
// nil lo means "from the start"; a nil hi means "to the end."
func (t *Tree) Range(lo, hi []byte, inclLo, inclHi bool) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()

		leaf, idx, err := t.findLeafLowerBound(lo)
		if err != nil {
			return
		}

		for leaf != nil {
			for ; idx < len(leaf.Keys); idx++ {
				k := leaf.Keys[idx]
				if lo != nil {
					cmp := bytes.Compare(k, lo)
					if cmp < 0 || (cmp == 0 && !inclLo) {
						continue
					}
				}
				if hi != nil {
					cmp := bytes.Compare(k, hi)
					if cmp > 0 || (cmp == 0 && !inclHi) {
						return
					}
				}
				if !yield(k, leaf.Values[idx]) {
					return
				}
			}
			if leaf.Next == 0 {
				return
			}
			next, err := t.readNode(leaf.Next)
			if err != nil {
				return
			}
			leaf = &leafRef{Keys: next.Keys, Values: next.Values, Next: next.Next}
			idx = 0
		}
	}
}

// Scan walks every key in order, from the leftmost leaf to the end.
func (t *Tree) Scan() iter.Seq2[[]byte, []byte] {
	return t.Range(nil, nil, true, true)
}

// findLeafLowerBound descends to the leaf that would contain key (or the
// leftmost leaf if key is nil), returning the insertion index within it.
func (t *Tree) findLeafLowerBound(key []byte) (*leafRef, int, error) {
	id := t.root
	for {
		n, err := t.readNode(id)
		if err != nil {
			return nil, 0, err
		}
		if n.Leaf {
			var idx int
			if key == nil {
				idx = 0
			} else {
				idx = sort.Search(len(n.Keys), func(i int) bool { return bytes.Compare(n.Keys[i], key) >= 0 })
			}
			return &leafRef{Keys: n.Keys, Values: n.Values, Next: n.Next}, idx, nil
		}
		if key == nil {
			id = n.Children[0]
		} else {
			id = n.Children[childIndex(n, key)]
		}
	}
}

// leafRef is a read-only snapshot of a leaf's ordered entries used during a
// Range/Scan walk, decoupled from page.Node so callers can't reach for
// mutation fields.
type leafRef struct {
	Keys   [][]byte
	Values [][]byte
	Next   uint32
}
