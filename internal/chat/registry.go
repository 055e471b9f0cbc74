package chat

import (
	"io"
	"log/slog"
	"sync"

	"github.com/ledzpl/tcprelay/internal/metrics"
)

// Relay is the capability a connection handler needs from the shared registry.
type Relay interface {
	Insert(w io.Writer) Handle
	Remove(h Handle) bool
	Broadcast(from Handle, nickname, payload []byte) Delivery
	Size() int
}

const nilIndex int32 = -1

// slot is one arena cell. prev/next form the insertion-ordered index,
// newest first.
type slot struct {
	entry      *entry
	generation uint32
	prev, next int32
}

// Registry tracks every live connection in an arena addressed by Handle.
// Structural changes are serialized by mu, which is never held across a write.
type Registry struct {
	mu    sync.Mutex
	slots []slot
	free  []int32
	head  int32

	echo   bool
	logger *slog.Logger
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithEcho controls whether a broadcast is also written back to its sender.
func WithEcho(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.echo = enabled
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry constructs an empty registry. Echo is on unless disabled.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		head:   nilIndex,
		echo:   true,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Insert registers w as the new head and returns the handle that removes it.
func (r *Registry) Insert(w io.Writer) Handle {
	e := newEntry(w)

	r.mu.Lock()
	idx := r.allocate()
	s := &r.slots[idx]
	s.entry = e
	s.prev = nilIndex
	s.next = r.head
	if r.head != nilIndex {
		r.slots[r.head].prev = idx
	}
	r.head = idx
	h := Handle{index: uint32(idx), generation: s.generation}
	e.handle = h
	r.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()
	return h
}

// Remove unregisters the entry referenced by h. It reports false when h is
// stale or was never issued, so a second removal is a no-op.
func (r *Registry) Remove(h Handle) bool {
	e := r.unlink(h)
	if e == nil {
		return false
	}
	e.removed.Store(true)
	metrics.ConnectionsCurrent.Dec()
	return true
}

// Size counts the entries reachable from the head.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i := r.head; i != nilIndex; i = r.slots[i].next {
		n++
	}
	return n
}

// allocate returns a free slot index. Must be called with mu held.
func (r *Registry) allocate() int32 {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx
	}
	r.slots = append(r.slots, slot{generation: 1, prev: nilIndex, next: nilIndex})
	return int32(len(r.slots) - 1)
}

func (r *Registry) unlink(h Handle) *entry {
	if !h.Valid() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if uint64(h.index) >= uint64(len(r.slots)) {
		return nil
	}
	idx := int32(h.index)
	s := &r.slots[idx]
	if s.entry == nil || s.generation != h.generation {
		return nil
	}

	if s.prev != nilIndex {
		r.slots[s.prev].next = s.next
	} else {
		r.head = s.next
	}
	if s.next != nilIndex {
		r.slots[s.next].prev = s.prev
	}

	e := s.entry
	*s = slot{generation: nextGeneration(s.generation), prev: nilIndex, next: nilIndex}
	r.free = append(r.free, idx)
	return e
}

// snapshot collects live entries head to tail, skipping the sender unless echo is on.
func (r *Registry) snapshot(from Handle) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*entry, 0, len(r.slots)-len(r.free))
	for i := r.head; i != nilIndex; i = r.slots[i].next {
		e := r.slots[i].entry
		if !r.echo && e.handle == from {
			continue
		}
		out = append(out, e)
	}
	return out
}

func nextGeneration(g uint32) uint32 {
	g++
	if g == 0 {
		g = 1
	}
	return g
}
