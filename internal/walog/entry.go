// Package walog implements the write-ahead log of spec.md §4.2: a tagged
// union {Insert{k,v}, Delete{k}} written length-prefixed, flushed before
// the corresponding page mutation becomes visible across restarts.
//
// The frame layout is adapted from the teacher's pkg/wal package
// (entry.go/writer.go/reader.go/checksum.go/options.go) almost verbatim:
// same 24-byte header shape, same pooled-entry reader, same SyncPolicy
// enum. The payload is re-purposed from a BSON document frame to the
// length-prefixed key/value pair this spec calls for.
package walog

import (
	"encoding/binary"
	"io"
)

const (
	HeaderSize = 24
	Version    = 1

	// Magic reuses the teacher's WALMagic value (0xDEADBEEF). It differs
	// from internal/page's Magic, so page and WAL frames never alias.
	Magic uint32 = 0xDEADBEEF
)

// EntryType identifies which half of the tagged union a frame carries.
const (
	EntryInsert uint8 = iota + 1
	EntryDelete
)

// Header is the fixed 24-byte frame header, identical in shape to the
// teacher's WALHeader: magic(4) version(1) type(1) reserved(2) lsn(8)
// payload_len(4) crc32(4).
type Header struct {
	Magic      uint32
	Version    uint8
	EntryType  uint8
	Reserved   uint16
	LSN        uint64
	PayloadLen uint32
	CRC32      uint32
}

func (h *Header) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.EntryType
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC32)
}

func (h *Header) decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.EntryType = buf[5]
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.LSN = binary.LittleEndian.Uint64(buf[8:16])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:20])
	h.CRC32 = binary.LittleEndian.Uint32(buf[20:24])
}

// Entry is one WAL frame: a header plus an encoded Insert{k,v} or Delete{k}
// payload.
type Entry struct {
	Header  Header
	Payload []byte
}

// WriteTo writes the header then payload to w, mirroring WALEntry.WriteTo.
func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	e.Header.encode(headerBuf[:])

	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(e.Payload)
	return int64(n + m), err
}

// EncodeInsert builds the payload for an Insert{k,v} entry:
// key_len(2) key value_len(4) value.
func EncodeInsert(key, value []byte) []byte {
	buf := make([]byte, 0, 2+len(key)+4+len(value))
	var kl [2]byte
	binary.LittleEndian.PutUint16(kl[:], uint16(len(key)))
	buf = append(buf, kl[:]...)
	buf = append(buf, key...)
	var vl [4]byte
	binary.LittleEndian.PutUint32(vl[:], uint32(len(value)))
	buf = append(buf, vl[:]...)
	buf = append(buf, value...)
	return buf
}

// EncodeDelete builds the payload for a Delete{k} entry: key_len(2) key.
func EncodeDelete(key []byte) []byte {
	buf := make([]byte, 0, 2+len(key))
	var kl [2]byte
	binary.LittleEndian.PutUint16(kl[:], uint16(len(key)))
	buf = append(buf, kl[:]...)
	buf = append(buf, key...)
	return buf
}

// DecodeInsert parses an Insert{k,v} payload.
func DecodeInsert(payload []byte) (key, value []byte) {
	kl := int(binary.LittleEndian.Uint16(payload[0:2]))
	key = payload[2 : 2+kl]
	off := 2 + kl
	vl := int(binary.LittleEndian.Uint32(payload[off : off+4]))
	off += 4
	value = payload[off : off+vl]
	return key, value
}

// DecodeDelete parses a Delete{k} payload.
func DecodeDelete(payload []byte) (key []byte) {
	kl := int(binary.LittleEndian.Uint16(payload[0:2]))
	return payload[2 : 2+kl]
}
