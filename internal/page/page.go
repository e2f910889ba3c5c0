// Package page implements the fixed-size page format and the internal/leaf
// node codec described in spec.md §4.1. Pages are the unit of I/O for the
// B+-Tree in internal/btree; this package knows nothing about keys beyond
// raw bytes and total ordering, which lives one layer up.
//
// The wire layout follows the teacher's framing discipline in
// pkg/wal/entry.go (fixed header, length-prefixed fields, a single CRC32
// table shared across the engine) applied to a page instead of a WAL frame.
package page

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/reedbase/reedbase/internal/engineerrors"
)

// Magic identifies a ReedBase page file. Chosen arbitrarily, analogous to
// the teacher's WALMagic (0xDEADBEEF) in pkg/wal/entry.go.
const Magic uint32 = 0x52424B56 // "RBKV"

const (
	NodeInternal uint8 = 1
	NodeLeaf     uint8 = 2
)

// HeaderSize is the fixed size, in bytes, of the page header:
// magic(4) + node_type(1) + page_id(4) + checksum(4) + used_bytes(2) + key_count(2).
const HeaderSize = 4 + 1 + 4 + 4 + 2 + 2

// DefaultPageSize matches spec.md §3's stated default.
const DefaultPageSize = 4096

// NilPageID represents a null page reference (sibling link, no child).
const NilPageID uint32 = 0

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the engine-wide CRC32 used by pages, the WAL and the
// operation log codec, reusing the same Castagnoli table the teacher's
// pkg/wal/checksum.go established for WAL frames.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// Header is the 17-byte fixed page header.
type Header struct {
	Magic     uint32
	NodeType  uint8
	PageID    uint32
	Checksum  uint32
	UsedBytes uint16
	KeyCount  uint16
}

func (h *Header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.NodeType
	binary.LittleEndian.PutUint32(buf[5:9], h.PageID)
	binary.LittleEndian.PutUint32(buf[9:13], h.Checksum)
	binary.LittleEndian.PutUint16(buf[13:15], h.UsedBytes)
	binary.LittleEndian.PutUint16(buf[15:17], h.KeyCount)
}

func (h *Header) decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.NodeType = buf[4]
	h.PageID = binary.LittleEndian.Uint32(buf[5:9])
	h.Checksum = binary.LittleEndian.Uint32(buf[9:13])
	h.UsedBytes = binary.LittleEndian.Uint16(buf[13:15])
	h.KeyCount = binary.LittleEndian.Uint16(buf[15:17])
}

// Node is the decoded, in-memory form of one page's payload. Child/sibling
// references are page ids, never pointers — spec.md §9's "arena of pages"
// design note: there is no in-memory cycle to own, only ids to look up on
// each descent.
type Node struct {
	PageID   uint32
	Leaf     bool
	Keys     [][]byte
	Values   [][]byte // populated only when Leaf
	Children []uint32 // populated only when !Leaf, len == len(Keys)+1
	Next     uint32   // forward sibling page id, NilPageID if none (Leaf only)
}

// Encode serialises a Node into a pageSize-sized buffer, computing the
// checksum over the payload only (the header's Checksum field is excluded
// from its own coverage, matching the header/payload split in spec.md §4.1).
func Encode(n *Node, pageSize int) ([]byte, error) {
	payload := make([]byte, 0, pageSize-HeaderSize)

	if n.Leaf {
		for i, k := range n.Keys {
			payload = appendUint32LenPrefixed(payload, k)
			payload = appendUint32LenPrefixedLarge(payload, n.Values[i])
		}
		var sib [4]byte
		binary.LittleEndian.PutUint32(sib[:], n.Next)
		payload = append(payload, sib[:]...)
	} else {
		for _, k := range n.Keys {
			payload = appendUint32LenPrefixed(payload, k)
		}
		for _, child := range n.Children {
			var cb [4]byte
			binary.LittleEndian.PutUint32(cb[:], child)
			payload = append(payload, cb[:]...)
		}
	}

	if HeaderSize+len(payload) > pageSize {
		return nil, &engineerrors.PayloadTooLargeError{Size: HeaderSize + len(payload), MaxSize: pageSize}
	}

	buf := make([]byte, pageSize)
	h := Header{
		Magic:     Magic,
		PageID:    n.PageID,
		UsedBytes: uint16(HeaderSize + len(payload)),
		KeyCount:  uint16(len(n.Keys)),
	}
	if n.Leaf {
		h.NodeType = NodeLeaf
	} else {
		h.NodeType = NodeInternal
	}
	h.Checksum = Checksum(payload)
	h.encode(buf[:HeaderSize])
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses a raw page buffer into a Node. Callers should call Validate
// first if the buffer may be untrusted (e.g. freshly read from disk after a
// crash); Decode itself does not re-verify the checksum.
func Decode(buf []byte) (*Node, error) {
	var h Header
	h.decode(buf[:HeaderSize])

	n := &Node{
		PageID: h.PageID,
		Leaf:   h.NodeType == NodeLeaf,
	}

	payload := buf[HeaderSize:h.UsedBytes]
	off := 0
	keyCount := int(h.KeyCount)

	if n.Leaf {
		n.Keys = make([][]byte, 0, keyCount)
		n.Values = make([][]byte, 0, keyCount)
		for i := 0; i < keyCount; i++ {
			k, rest := readUint32LenPrefixed(payload[off:])
			off += rest
			v, rest2 := readUint32LenPrefixedLarge(payload[off:])
			off += rest2
			n.Keys = append(n.Keys, k)
			n.Values = append(n.Values, v)
		}
		n.Next = binary.LittleEndian.Uint32(payload[off : off+4])
	} else {
		n.Keys = make([][]byte, 0, keyCount)
		n.Children = make([]uint32, 0, keyCount+1)
		for i := 0; i < keyCount; i++ {
			k, rest := readUint32LenPrefixed(payload[off:])
			off += rest
			n.Keys = append(n.Keys, k)
		}
		for i := 0; i < keyCount+1; i++ {
			n.Children = append(n.Children, binary.LittleEndian.Uint32(payload[off:off+4]))
			off += 4
		}
	}
	return n, nil
}

// Validate checks the magic number and checksum of a raw page buffer,
// returning a CorruptedPageError describing the first problem found.
func Validate(buf []byte, pageSize int) error {
	if len(buf) != pageSize {
		return &engineerrors.CorruptedPageError{Reason: "short read"}
	}
	var h Header
	h.decode(buf[:HeaderSize])
	if h.Magic != Magic {
		return &engineerrors.CorruptedPageError{PageID: h.PageID, Reason: "bad magic"}
	}
	if h.NodeType != NodeInternal && h.NodeType != NodeLeaf {
		return &engineerrors.CorruptedPageError{PageID: h.PageID, Reason: "unknown node type"}
	}
	if int(h.UsedBytes) < HeaderSize || int(h.UsedBytes) > pageSize {
		return &engineerrors.CorruptedPageError{PageID: h.PageID, Reason: "used_bytes out of range"}
	}
	payload := buf[HeaderSize:h.UsedBytes]
	if Checksum(payload) != h.Checksum {
		return &engineerrors.CorruptedPageError{PageID: h.PageID, Reason: "checksum mismatch"}
	}
	return nil
}

func appendUint32LenPrefixed(buf []byte, data []byte) []byte {
	var lb [2]byte
	binary.LittleEndian.PutUint16(lb[:], uint16(len(data)))
	buf = append(buf, lb[:]...)
	return append(buf, data...)
}

func readUint32LenPrefixed(buf []byte) ([]byte, int) {
	l := int(binary.LittleEndian.Uint16(buf[0:2]))
	return buf[2 : 2+l], 2 + l
}

func appendUint32LenPrefixedLarge(buf []byte, data []byte) []byte {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(data)))
	buf = append(buf, lb[:]...)
	return append(buf, data...)
}

func readUint32LenPrefixedLarge(buf []byte) ([]byte, int) {
	l := int(binary.LittleEndian.Uint32(buf[0:4]))
	return buf[4 : 4+l], 4 + l
}
