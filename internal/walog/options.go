package walog

import "time"

// SyncPolicy controls durability strategy, kept identical in shape to the
// teacher's wal.SyncPolicy (pkg/wal/options.go).
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every entry. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota
	// SyncInterval fsyncs on a background timer.
	SyncInterval
	// SyncBatch fsyncs once buffered bytes cross a threshold.
	SyncBatch
)

// Options configures a Writer.
type Options struct {
	BufferSize           int
	SyncPolicy           SyncPolicy
	SyncIntervalDuration time.Duration
	SyncBatchBytes       int64
}

// DefaultOptions selects SyncEveryWrite, fsyncing after every entry.
func DefaultOptions() Options {
	return Options{
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncEveryWrite,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
