package chat

import (
	"io"
	"sync"
	"sync/atomic"
)

// Handle identifies one registered connection. It is returned by Insert and is
// the only accepted argument to Remove. The zero Handle never refers to a live entry.
type Handle struct {
	index      uint32
	generation uint32
}

// Valid reports whether h was produced by a registry insertion.
// A valid handle may still be stale once its entry has been removed.
func (h Handle) Valid() bool {
	return h.generation != 0
}

// entry owns the outbound half of one connection.
type entry struct {
	mu      sync.Mutex
	w       io.Writer
	handle  Handle
	removed atomic.Bool
}

func newEntry(w io.Writer) *entry {
	return &entry{w: w}
}

// deliver writes msg in a single call. The caller must hold e.mu.
func (e *entry) deliver(msg []byte) (bool, error) {
	if e.removed.Load() {
		return false, nil
	}
	_, err := e.w.Write(msg)
	return err == nil, err
}

// close releases the outbound channel when it is closable so the owning
// handler's read side observes the failure too.
func (e *entry) close() error {
	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
