package walog

import "sync"

// Pools mirror the teacher's pkg/wal/pool.go: reused Entry structs to keep
// replay from allocating a fresh buffer per frame.
var entryPool = sync.Pool{
	New: func() interface{} {
		return &Entry{Payload: make([]byte, 0, 4096)}
	},
}

func acquireEntry() *Entry {
	return entryPool.Get().(*Entry)
}

func releaseEntry(e *Entry) {
	e.Header = Header{}
	e.Payload = e.Payload[:0]
	entryPool.Put(e)
}
