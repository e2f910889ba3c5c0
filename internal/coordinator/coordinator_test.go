package coordinator

import (
	"testing"
	"time"
)

func TestAcquireLockExclusiveAndTimeout(t *testing.T) {
	base := t.TempDir()
	lock, err := AcquireLock(base, "orders", time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	locked, err := IsLocked(base, "orders")
	if err != nil || !locked {
		t.Fatalf("expected table to report locked, got locked=%v err=%v", locked, err)
	}

	_, err = AcquireLock(base, "orders", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected second acquire to time out while first holds the lock")
	}

	if err := lock.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	locked, err = IsLocked(base, "orders")
	if err != nil || locked {
		t.Fatalf("expected table to report unlocked after release, got locked=%v err=%v", locked, err)
	}
}

func TestQueueWriteFIFO(t *testing.T) {
	base := t.TempDir()

	first, err := QueueWrite(base, "orders", PendingWrite{Timestamp: 100, Operation: "insert", User: "a"})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := QueueWrite(base, "orders", PendingWrite{Timestamp: 200, Operation: "insert", User: "b"})
	if err != nil {
		t.Fatal(err)
	}

	id, w, ok, err := GetNextPending(base, "orders")
	if err != nil || !ok {
		t.Fatalf("get next pending: ok=%v err=%v", ok, err)
	}
	if id != first || w.User != "a" {
		t.Fatalf("expected FIFO order to return %s first, got %s (%+v)", first, id, w)
	}

	if err := RemoveFromQueue(base, "orders", first); err != nil {
		t.Fatal(err)
	}

	id, w, ok, err = GetNextPending(base, "orders")
	if err != nil || !ok {
		t.Fatalf("get next pending after removal: ok=%v err=%v", ok, err)
	}
	if id != second || w.User != "b" {
		t.Fatalf("expected second entry next, got %s (%+v)", id, w)
	}
}

func TestDrainerAppliesAndEmptiesQueue(t *testing.T) {
	base := t.TempDir()
	applied := make(chan PendingWrite, 4)

	d := StartDrainer(base, "orders", func(w PendingWrite) error {
		applied <- w
		return nil
	})
	defer d.Stop()

	if _, err := QueueWrite(base, "orders", PendingWrite{Timestamp: 1, Operation: "insert", User: "a"}); err != nil {
		t.Fatal(err)
	}

	select {
	case w := <-applied:
		if w.User != "a" {
			t.Fatalf("unexpected applied write: %+v", w)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drainer to apply queued write")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, _, ok, err := GetNextPending(base, "orders")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue never drained")
}
