// Package handles hands out small integer handles for values held by the
// node, such as open documents. A handle is invalidated when it is
// released; a stale handle never resolves to a later value stored in the
// same slot.
package handles

import (
	"errors"
	"sync"
)

// ErrInvalid is returned for unknown or released handles.
var ErrInvalid = errors.New("handles: invalid handle")

// Handle packs a slot index (low 32 bits) and the slot generation (high
// 32 bits). The zero Handle is never issued.
type Handle uint64

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) index() uint32 { return uint32(h) }
func (h Handle) gen() uint32   { return uint32(h >> 32) }

type slot[T any] struct {
	value T
	gen   uint32
	used  bool
}

// Table maps handles to values. It is safe for concurrent use.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	count int
}

// New creates an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		// #nosec G115 -- a node never holds 2^32 handles.
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	}
	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.value = v
	s.used = true
	t.count++
	return makeHandle(idx, s.gen)
}

// Get resolves h.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.lookup(h)
	if !ok {
		var zero T
		return zero, ErrInvalid
	}
	return s.value, nil
}

// Remove releases h and returns the value it held.
func (t *Table[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	s, ok := t.lookup(h)
	if !ok {
		return zero, ErrInvalid
	}
	v := s.value
	s.value = zero
	s.used = false
	t.free = append(t.free, h.index())
	t.count--
	return v, nil
}

// RemoveFunc releases every handle whose value matches fn and returns the
// removed values.
func (t *Table[T]) RemoveFunc(fn func(T) bool) []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	var out []T
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used || !fn(s.value) {
			continue
		}
		out = append(out, s.value)
		s.value = zero
		s.used = false
		// #nosec G115 -- bounded by Insert.
		t.free = append(t.free, uint32(i))
		t.count--
	}
	return out
}

// Count returns the number of live handles whose value matches fn. A nil
// fn counts all of them.
func (t *Table[T]) Count(fn func(T) bool) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fn == nil {
		return t.count
	}
	n := 0
	for _, s := range t.slots {
		if s.used && fn(s.value) {
			n++
		}
	}
	return n
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	return t.Count(nil)
}

func (t *Table[T]) lookup(h Handle) (*slot[T], bool) {
	idx := h.index()
	if h == 0 || int(idx) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[idx]
	if !s.used || s.gen != h.gen() {
		return nil, false
	}
	return s, true
}
