// Package sidestore keeps per-record state out of the record values.
// Records hold a Handle; the Arena maps handles to entries and detects stale
// handles with per-slot generation counters, so freed slots can be reused.
package sidestore

import "sync"

// Handle addresses an entry in an Arena. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

type slot[T any] struct {
	gen   uint32
	entry *T
}

// Arena is a generation-checked slot map. It is safe for concurrent use.
type Arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	live  int
}

// New returns an empty Arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Alloc stores entry and returns its handle.
func (a *Arena[T]) Alloc(entry *T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.live++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.entry = entry
		return Handle{index: idx, gen: s.gen}
	}
	a.slots = append(a.slots, slot[T]{gen: 1, entry: entry})
	return Handle{index: uint32(len(a.slots) - 1), gen: 1}
}

// Get returns the entry for h. It reports false for freed or stale handles.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.index]
	if s.gen != h.gen || s.entry == nil {
		return nil, false
	}
	return s.entry, true
}

// Free releases the slot of h. Freeing a stale handle is a no-op and
// reports false.
func (a *Arena[T]) Free(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.index]
	if s.gen != h.gen || s.entry == nil {
		return false
	}
	s.entry = nil
	s.gen++
	if s.gen == 0 {
		// Retire the slot rather than let the generation wrap to zero.
		a.live--
		return true
	}
	a.free = append(a.free, h.index)
	a.live--
	return true
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
