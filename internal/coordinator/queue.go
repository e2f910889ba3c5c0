package coordinator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// PendingWriteRow is one row payload inside a queued mutation.
type PendingWriteRow struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// PendingWrite is a mutation parked because the table lock was unavailable
// within the caller's timeout, per spec.md §4.7 and the JSON pending-write
// format in §6.
type PendingWrite struct {
	Rows      []PendingWriteRow `json:"rows"`
	Timestamp int64             `json:"timestamp"`
	Operation string            `json:"operation"`
	User      string            `json:"user"`
}

func queueDir(base, table string) string {
	return filepath.Join(base, table, "queue")
}

// QueueWrite durably parks w under table's queue directory, named by a
// fresh UUID, and returns that id.
func QueueWrite(base, table string, w PendingWrite) (string, error) {
	dir := queueDir(base, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	id := uuid.NewString()
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, id+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return id, nil
}

// pendingFile pairs a queue entry's id with its parsed content and the
// filesystem timestamp used to break ties into FIFO order.
type pendingFile struct {
	id      string
	write   PendingWrite
	modTime time.Time
}

// GetNextPending returns the oldest queued entry for table, or ok=false if
// the queue is empty.
func GetNextPending(base, table string) (id string, w PendingWrite, ok bool, err error) {
	dir := queueDir(base, table)
	entries, readErr := os.ReadDir(dir)
	if os.IsNotExist(readErr) {
		return "", PendingWrite{}, false, nil
	}
	if readErr != nil {
		return "", PendingWrite{}, false, readErr
	}

	var pending []pendingFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var pw PendingWrite
		if err := json.Unmarshal(data, &pw); err != nil {
			continue
		}
		name := entry.Name()
		idOnly := name[:len(name)-len(filepath.Ext(name))]
		pending = append(pending, pendingFile{id: idOnly, write: pw, modTime: info.ModTime()})
	}
	if len(pending) == 0 {
		return "", PendingWrite{}, false, nil
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].write.Timestamp != pending[j].write.Timestamp {
			return pending[i].write.Timestamp < pending[j].write.Timestamp
		}
		return pending[i].modTime.Before(pending[j].modTime)
	})
	first := pending[0]
	return first.id, first.write, true, nil
}

// QueueLen reports how many mutations are currently parked for table.
func QueueLen(base, table string) (int, error) {
	dir := queueDir(base, table)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}

// RemoveFromQueue deletes a drained entry.
func RemoveFromQueue(base, table, id string) error {
	path := filepath.Join(queueDir(base, table), id+".json")
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Applier applies one drained pending write through the owning table's
// normal write path. Implemented by the facade layer, which knows how to
// turn row mutations into new current.csv bytes.
type Applier func(PendingWrite) error

// Drainer is a background, per-table task that repeatedly pops the oldest
// pending write, applies it, and removes it, until the queue is empty. It
// takes no table lock of its own: apply goes through the table's normal
// write path, which acquires the table lock itself. Its lifetime is owned by whatever creates it
// (the Database facade); it is not a hidden global executor (spec.md §9).
type Drainer struct {
	base    string
	table   string
	apply   Applier
	done    chan struct{}
	stopped chan struct{}
}

// StartDrainer spawns a drainer goroutine for table. Call Stop to end it.
func StartDrainer(base, table string, apply Applier) *Drainer {
	d := &Drainer{
		base:    base,
		table:   table,
		apply:   apply,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Drainer) run() {
	defer close(d.stopped)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.drainOnce()
		}
	}
}

func (d *Drainer) drainOnce() {
	for {
		id, w, ok, err := GetNextPending(d.base, d.table)
		if err != nil || !ok {
			return
		}
		if err := d.apply(w); err != nil {
			return
		}
		if err := RemoveFromQueue(d.base, d.table, id); err != nil {
			return
		}
	}
}

// Stop ends the drainer goroutine and waits for it to exit.
func (d *Drainer) Stop() {
	close(d.done)
	<-d.stopped
}

