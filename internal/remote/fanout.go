package remote

import (
	"context"
	"sync"
)

const subBuffer = 256

// fanout delivers values to many subscribers without blocking the reader.
// A subscriber that falls behind misses values.
type fanout[T any] struct {
	mu     sync.Mutex
	subs   map[int]*sub[T]
	next   int
	closed bool
}

type sub[T any] struct {
	ch    chan T
	match func(T) bool
	once  sync.Once
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{subs: make(map[int]*sub[T])}
}

// add registers a subscriber and queues initial ahead of live values.
func (f *fanout[T]) add(ctx context.Context, match func(T) bool, initial []T) (<-chan T, func(), bool) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, nil, false
	}
	s := &sub[T]{ch: make(chan T, subBuffer+len(initial)), match: match}
	for _, v := range initial {
		s.ch <- v
	}
	id := f.next
	f.next++
	f.subs[id] = s
	f.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			f.mu.Lock()
			if f.subs[id] == s {
				delete(f.subs, id)
				s.close()
			}
			f.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return s.ch, stop, true
}

// publish returns how many subscribers missed v.
func (f *fanout[T]) publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	missed := 0
	for _, s := range f.subs {
		if s.match != nil && !s.match(v) {
			continue
		}
		select {
		case s.ch <- v:
		default:
			missed++
		}
	}
	return missed
}

func (f *fanout[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, s := range f.subs {
		delete(f.subs, id)
		s.close()
	}
}

func (s *sub[T]) close() {
	s.once.Do(func() { close(s.ch) })
}
