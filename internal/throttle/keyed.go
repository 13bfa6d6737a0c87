package throttle

import (
	"sync"
	"time"
)

// Keyed keeps one independent Throttle per key, so bursts for different keys
// never coalesce with each other.
type Keyed[K comparable, T any] struct {
	mu     sync.Mutex
	window time.Duration
	fn     func(K, T)
	byKey  map[K]*Throttle[T]
}

func NewKeyed[K comparable, T any](window time.Duration, fn func(K, T)) *Keyed[K, T] {
	return &Keyed[K, T]{
		window: window,
		fn:     fn,
		byKey:  make(map[K]*Throttle[T]),
	}
}

func (k *Keyed[K, T]) Call(key K, v T) {
	k.get(key).Call(v)
}

func (k *Keyed[K, T]) Flush(key K) {
	if t := k.lookup(key); t != nil {
		t.Flush()
	}
}

func (k *Keyed[K, T]) Cancel(key K) {
	if t := k.lookup(key); t != nil {
		t.Cancel()
	}
}

func (k *Keyed[K, T]) FlushAll() {
	for _, t := range k.all() {
		t.Flush()
	}
}

func (k *Keyed[K, T]) CancelAll() {
	for _, t := range k.all() {
		t.Cancel()
	}
}

func (k *Keyed[K, T]) get(key K) *Throttle[T] {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.byKey[key]
	if !ok {
		t = New(k.window, func(v T) { k.fn(key, v) })
		k.byKey[key] = t
	}
	return t
}

func (k *Keyed[K, T]) lookup(key K) *Throttle[T] {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.byKey[key]
}

func (k *Keyed[K, T]) all() []*Throttle[T] {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]*Throttle[T], 0, len(k.byKey))
	for _, t := range k.byKey {
		out = append(out, t)
	}
	return out
}
