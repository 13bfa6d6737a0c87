package canvas

import "sync"

// Store owns a client's State. Dispatch serializes actions, so they apply in
// exactly the order they were dispatched no matter which goroutine sends them.
type Store struct {
	mu    sync.Mutex
	state State
	subs  map[int]chan State
	next  int
}

func NewStore(initial State) *Store {
	return &Store{
		state: initial,
		subs:  make(map[int]chan State),
	}
}

func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Reduce(s.state, a)
	s.broadcast(s.state)
	return s.state
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a stream of snapshots. A slow reader only ever sees the
// newest snapshot; intermediate ones are dropped. The returned function is
// idempotent and closes the stream.
func (s *Store) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan State, 1)
	ch <- s.state
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// broadcast must be called with s.mu held.
func (s *Store) broadcast(st State) {
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			// Replace the stale snapshot with the latest.
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}
