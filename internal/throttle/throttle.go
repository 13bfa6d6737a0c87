// Package throttle implements a trailing-edge throttle: the first call opens a
// window, later calls in the window replace the pending value, and the
// function fires once at the end of the window with the newest value.
package throttle

import (
	"sync"
	"time"
)

type Throttle[T any] struct {
	mu      sync.Mutex
	window  time.Duration
	fn      func(T)
	timer   *time.Timer
	pending bool
	latest  T
	gen     uint64
}

func New[T any](window time.Duration, fn func(T)) *Throttle[T] {
	return &Throttle[T]{window: window, fn: fn}
}

// Call records v as the pending value and opens a window if none is open.
func (t *Throttle[T]) Call(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest = v
	if t.pending {
		return
	}
	t.pending = true
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.window, func() { t.fire(gen) })
}

// Cancel drops the pending value without calling fn.
func (t *Throttle[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// Flush calls fn now with the pending value, if any, and closes the window.
func (t *Throttle[T]) Flush() {
	t.mu.Lock()
	if !t.pending {
		t.mu.Unlock()
		return
	}
	v := t.latest
	t.reset()
	t.mu.Unlock()

	t.fn(v)
}

func (t *Throttle[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Throttle[T]) fire(gen uint64) {
	t.mu.Lock()
	// A Cancel or Flush, possibly followed by a new window, got here first.
	if !t.pending || gen != t.gen {
		t.mu.Unlock()
		return
	}
	v := t.latest
	t.reset()
	t.mu.Unlock()

	t.fn(v)
}

// reset must be called with t.mu held.
func (t *Throttle[T]) reset() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	var zero T
	t.latest = zero
	t.pending = false
}
