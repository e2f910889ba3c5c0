package walog

import (
	"bufio"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/reedbase/reedbase/internal/engineerrors"
	"github.com/reedbase/reedbase/internal/page"
)

// Writer appends WAL frames and manages the sync policy, mirroring the
// teacher's WALWriter (pkg/wal/writer.go) field-for-field.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	options Options
	path    string

	batchBytes int64
	lsn        uint64

	done   chan struct{}
	ticker *time.Ticker
	closed bool
}

// Open creates or attaches to the WAL file at path (spec.md §4.2's open:
// "creates or attaches").
func Open(path string, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "walog: open")
	}

	w := &Writer{
		file:    f,
		writer:  bufio.NewWriterSize(f, opts.BufferSize),
		options: opts,
		path:    path,
		done:    make(chan struct{}),
	}

	if opts.SyncPolicy == SyncInterval {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

// Path returns the WAL file's path, used by callers that colocate
// checkpoints alongside the log (mirrors WALWriter.Path in the teacher).
func (w *Writer) Path() string { return w.path }

// LogInsert appends an Insert{k,v} entry, per spec.md §4.2.
func (w *Writer) LogInsert(lsn uint64, key, value []byte) error {
	return w.append(EntryInsert, lsn, EncodeInsert(key, value))
}

// LogDelete appends a Delete{k} entry, per spec.md §4.2.
func (w *Writer) LogDelete(lsn uint64, key []byte) error {
	return w.append(EntryDelete, lsn, EncodeDelete(key))
}

func (w *Writer) append(entryType uint8, lsn uint64, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := &Entry{
		Header: Header{
			Magic:      Magic,
			Version:    Version,
			EntryType:  entryType,
			LSN:        lsn,
			PayloadLen: uint32(len(payload)),
			CRC32:      page.Checksum(payload),
		},
		Payload: payload,
	}

	n, err := entry.WriteTo(w.writer)
	if err != nil {
		return &engineerrors.WalWriteError{Err: err}
	}
	w.batchBytes += n

	switch w.options.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()
	case SyncBatch:
		if w.batchBytes >= w.options.SyncBatchBytes {
			return w.syncLocked()
		}
	}
	return nil
}

// Sync force-flushes buffered writes to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return &engineerrors.WalWriteError{Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &engineerrors.WalWriteError{Err: err}
	}
	w.batchBytes = 0
	return nil
}

// Truncate empties the WAL file after a successful page-file checkpoint
// (spec.md §4.2: "truncated after a successful checkpoint").
func (w *Writer) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return errors.Wrap(err, "walog: truncate")
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return errors.Wrap(err, "walog: seek")
	}
	w.writer.Reset(w.file)
	w.batchBytes = 0
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}

	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *Writer) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync()
		case <-w.done:
			return
		}
	}
}
