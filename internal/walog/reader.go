package walog

import (
	"io"
	"iter"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/reedbase/reedbase/internal/page"
)

// Reader reads WAL frames sequentially, mirroring the teacher's WALReader
// (pkg/wal/reader.go).
type Reader struct {
	file   *os.File
	offset int64
}

// NewReader opens an existing WAL file for sequential replay.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "walog: open for replay")
	}
	return &Reader{file: f}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }

// readEntry reads one frame, returning io.EOF cleanly at a complete frame
// boundary and io.ErrUnexpectedEOF on a torn trailing frame (spec.md §4.2:
// "failed entries after the last complete frame are discarded").
func (r *Reader) readEntry() (*Entry, error) {
	headerBuf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r.file, headerBuf)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	if n != HeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	var h Header
	h.decode(headerBuf)

	if h.Magic != Magic {
		return nil, io.ErrUnexpectedEOF
	}
	if h.PayloadLen > 64*1024*1024 {
		return nil, io.ErrUnexpectedEOF
	}

	entry := acquireEntry()
	entry.Header = h
	if cap(entry.Payload) < int(h.PayloadLen) {
		entry.Payload = make([]byte, h.PayloadLen)
	} else {
		entry.Payload = entry.Payload[:h.PayloadLen]
	}

	if _, err := io.ReadFull(r.file, entry.Payload); err != nil {
		releaseEntry(entry)
		return nil, io.ErrUnexpectedEOF
	}

	if page.Checksum(entry.Payload) != h.CRC32 {
		releaseEntry(entry)
		return nil, io.ErrUnexpectedEOF
	}

	r.offset += int64(HeaderSize) + int64(h.PayloadLen)
	return entry, nil
}

// Replay replays the WAL path, yielding each valid, ordered Entry in turn.
// It is idempotent: calling it again re-reads from the start and produces
// the same sequence. Replay stops silently at the first incomplete or
// corrupted trailing frame, per spec.md §4.2's failure model; it never
// surfaces that as an error to the caller, since a torn last write is the
// expected shape of a crash mid-append.
func Replay(path string) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		r, err := NewReader(path)
		if err != nil {
			return
		}
		defer r.Close()

		for {
			e, err := r.readEntry()
			if err != nil {
				return
			}
			cont := yield(*e)
			releaseEntry(e)
			if !cont {
				return
			}
		}
	}
}
