package btree

import (
	"bytes"

	"github.com/reedbase/reedbase/internal/engineerrors"
	"github.com/reedbase/reedbase/internal/page"
)

// Delete removes a key, WAL-logging the delete first. Delete is idempotent
// at the storage level (recovery replays deletes against already-deleted
// keys harmlessly) but the public API reports KeyNotFound when the key is
// absent, per spec.md §4.3.
func (t *Tree) Delete(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	lsn := t.nextLSN()
	if err := t.wal.LogDelete(lsn, key); err != nil {
		return err
	}

	found, err := t.deleteFrom(t.root, key)
	if err != nil {
		return err
	}
	if !found {
		return &engineerrors.KeyNotFoundError{Key: string(key)}
	}
	return t.collapseRoot()
}

func (t *Tree) deleteLocked(key []byte) error {
	_, err := t.deleteFrom(t.root, key)
	if err != nil {
		return err
	}
	return t.collapseRoot()
}

// collapseRoot shrinks the tree's height when the root has a single child
// left, per spec.md §4.3: "a root with a single child collapses."
func (t *Tree) collapseRoot() error {
	root, err := t.readNode(t.root)
	if err != nil {
		return err
	}
	if !root.Leaf && len(root.Children) == 1 {
		t.root = root.Children[0]
		return t.saveMeta()
	}
	return nil
}

// deleteFrom recursively removes key from the subtree rooted at id,
// fixing any underflow in the child it descended into before returning.
func (t *Tree) deleteFrom(id uint32, key []byte) (bool, error) {
	n, err := t.readNode(id)
	if err != nil {
		return false, err
	}

	if n.Leaf {
		i := findExact(n.Keys, key)
		if i < 0 {
			return false, nil
		}
		n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
		n.Values = append(n.Values[:i], n.Values[i+1:]...)
		return true, t.writeNode(n)
	}

	i := childIndex(n, key)
	found, err := t.deleteFrom(n.Children[i], key)
	if err != nil || !found {
		return found, err
	}

	if err := t.fixUnderflow(n, i); err != nil {
		return true, err
	}
	return true, t.writeNode(n)
}

func findExact(keys [][]byte, key []byte) int {
	for i, k := range keys {
		if bytes.Equal(k, key) {
			return i
		}
	}
	return -1
}

// fixUnderflow inspects parent n's child at index i; if it has fewer than
// minKeys entries, it borrows from a sibling or merges, preferring the left
// sibling on ties, per spec.md §4.3.
func (t *Tree) fixUnderflow(n *page.Node, i int) error {
	child, err := t.readNode(n.Children[i])
	if err != nil {
		return err
	}
	if len(child.Keys) >= t.opts.minKeys() {
		return nil
	}

	hasLeft := i > 0
	hasRight := i < len(n.Children)-1

	if hasLeft {
		left, err := t.readNode(n.Children[i-1])
		if err != nil {
			return err
		}
		if len(left.Keys) > t.opts.minKeys() {
			return t.borrowFromLeft(n, i, left, child)
		}
	}
	if hasRight {
		right, err := t.readNode(n.Children[i+1])
		if err != nil {
			return err
		}
		if len(right.Keys) > t.opts.minKeys() {
			return t.borrowFromRight(n, i, child, right)
		}
	}
	if hasLeft {
		left, err := t.readNode(n.Children[i-1])
		if err != nil {
			return err
		}
		return t.mergeSiblings(n, i-1, left, child)
	}
	right, err := t.readNode(n.Children[i+1])
	if err != nil {
		return err
	}
	return t.mergeSiblings(n, i, child, right)
}

func (t *Tree) borrowFromLeft(parent *page.Node, i int, left, child *page.Node) error {
	if child.Leaf {
		lastIdx := len(left.Keys) - 1
		borrowedKey, borrowedVal := left.Keys[lastIdx], left.Values[lastIdx]
		left.Keys = left.Keys[:lastIdx]
		left.Values = left.Values[:lastIdx]

		child.Keys = append([][]byte{borrowedKey}, child.Keys...)
		child.Values = append([][]byte{borrowedVal}, child.Values...)
		parent.Keys[i-1] = child.Keys[0]
	} else {
		lastIdx := len(left.Keys) - 1
		borrowedChild := left.Children[len(left.Children)-1]
		left.Children = left.Children[:len(left.Children)-1]
		borrowedKey := left.Keys[lastIdx]
		left.Keys = left.Keys[:lastIdx]

		child.Keys = append([][]byte{parent.Keys[i-1]}, child.Keys...)
		child.Children = append([]uint32{borrowedChild}, child.Children...)
		parent.Keys[i-1] = borrowedKey
	}
	if err := t.writeNode(left); err != nil {
		return err
	}
	return t.writeNode(child)
}

func (t *Tree) borrowFromRight(parent *page.Node, i int, child, right *page.Node) error {
	if child.Leaf {
		borrowedKey, borrowedVal := right.Keys[0], right.Values[0]
		right.Keys = right.Keys[1:]
		right.Values = right.Values[1:]

		child.Keys = append(child.Keys, borrowedKey)
		child.Values = append(child.Values, borrowedVal)
		parent.Keys[i] = right.Keys[0]
	} else {
		borrowedChild := right.Children[0]
		right.Children = right.Children[1:]
		borrowedKey := right.Keys[0]
		right.Keys = right.Keys[1:]

		child.Keys = append(child.Keys, parent.Keys[i])
		child.Children = append(child.Children, borrowedChild)
		parent.Keys[i] = borrowedKey
	}
	if err := t.writeNode(child); err != nil {
		return err
	}
	return t.writeNode(right)
}

// mergeSiblings merges parent's children at leftIdx and leftIdx+1 into the
// left one, removing the separator key leftIdx and the right child from
// parent. The right page id becomes logically free (spec.md §3: merge
// logically frees a page; physical compaction is deferred).
func (t *Tree) mergeSiblings(parent *page.Node, leftIdx int, left, right *page.Node) error {
	if left.Leaf {
		left.Keys = append(left.Keys, right.Keys...)
		left.Values = append(left.Values, right.Values...)
		left.Next = right.Next
	} else {
		left.Keys = append(left.Keys, parent.Keys[leftIdx])
		left.Keys = append(left.Keys, right.Keys...)
		left.Children = append(left.Children, right.Children...)
	}

	parent.Keys = append(parent.Keys[:leftIdx], parent.Keys[leftIdx+1:]...)
	parent.Children = append(parent.Children[:leftIdx+1], parent.Children[leftIdx+2:]...)

	return t.writeNode(left)
}
