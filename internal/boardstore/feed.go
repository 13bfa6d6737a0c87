package boardstore

import (
	"context"
	"sync"
)

const feedBuffer = 256

// Feed fans changes out to per-board subscribers. A subscriber that falls a
// full buffer behind misses changes; the reconciliation loop heals that.
type Feed struct {
	mu     sync.Mutex
	boards map[string]map[int]chan Change
	next   int
	closed bool
}

func NewFeed() *Feed {
	return &Feed{boards: make(map[string]map[int]chan Change)}
}

func (f *Feed) Publish(boardID string, c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.boards[boardID] {
		select {
		case ch <- c:
		default:
		}
	}
}

func (f *Feed) Subscribe(ctx context.Context, boardID string) (<-chan Change, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, ErrClosed
	}

	id := f.next
	f.next++
	ch := make(chan Change, feedBuffer)
	if f.boards[boardID] == nil {
		f.boards[boardID] = make(map[int]chan Change)
	}
	f.boards[boardID][id] = ch

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			f.mu.Lock()
			defer f.mu.Unlock()
			if subs, ok := f.boards[boardID]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(f.boards, boardID)
				}
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for board, subs := range f.boards {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(f.boards, board)
	}
}
