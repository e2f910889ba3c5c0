// Package coordinator serialises writes per table via an OS-level advisory
// file lock, falling back to a durable pending-write queue when the lock
// cannot be acquired within a caller-supplied timeout (spec.md §4.7).
package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/reedbase/reedbase/internal/engineerrors"
)

// TableLock is an RAII-style handle on a table's advisory exclusive lock.
// Release (via Unlock) is idempotent.
type TableLock struct {
	flock *flock.Flock
	table string
}

// LockPath returns the advisory lock file path for a table directory.
func LockPath(base, table string) string {
	return filepath.Join(base, table, "lock")
}

// AcquireLock blocks until the table's advisory lock is obtained or timeout
// elapses, whichever comes first. On timeout it returns LockTimeoutError so
// callers can fall back to QueueWrite, per spec.md §4.7.
func AcquireLock(base, table string, timeout time.Duration) (*TableLock, error) {
	path := LockPath(base, table)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil || !locked {
		return nil, &engineerrors.LockTimeoutError{Table: table, Timeout: timeout.String()}
	}
	return &TableLock{flock: fl, table: table}, nil
}

// Unlock releases the lock. Calling Unlock more than once is a no-op.
func (l *TableLock) Unlock() error {
	if l == nil || l.flock == nil {
		return nil
	}
	return l.flock.Unlock()
}

// IsLocked reports whether table's advisory lock is currently held by any
// process, without itself acquiring it.
func IsLocked(base, table string) (bool, error) {
	fl := flock.New(LockPath(base, table))
	locked, err := fl.TryLock()
	if err != nil {
		return false, err
	}
	if locked {
		_ = fl.Unlock()
		return false, nil
	}
	return true, nil
}

// WaitForUnlock polls until table's lock is free or the context is done.
func WaitForUnlock(ctx context.Context, base, table string) error {
	for {
		locked, err := IsLocked(base, table)
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}
