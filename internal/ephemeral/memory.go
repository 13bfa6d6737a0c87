package ephemeral

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const watchBuffer = 256

// Memory is an in-process ephemeral store. Each client talks to it through
// its own Conn so disconnect hooks can be tied to that client.
type Memory struct {
	mu       sync.Mutex
	values   map[string]json.RawMessage
	watchers map[int]*watcher
	next     int
	closed   bool
	log      *zap.Logger
}

type watcher struct {
	prefix string
	owner  *Conn
	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

func NewMemory(log *zap.Logger) *Memory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{
		values:   make(map[string]json.RawMessage),
		watchers: make(map[int]*watcher),
		log:      log,
	}
}

// Connect opens a client connection.
func (m *Memory) Connect(id string) *Conn {
	return &Conn{m: m, id: id, hooks: make(map[string]struct{})}
}

func (m *Memory) Get(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Snapshot returns a copy of every value under prefix.
func (m *Memory) Snapshot(prefix string) map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for k, v := range m.values {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// Close ends every watch.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, w := range m.watchers {
		delete(m.watchers, id)
		w.close()
	}
}

func (m *Memory) set(key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisconnected
	}
	m.values[key] = value
	m.publish(Event{Key: key, Value: value})
	return nil
}

func (m *Memory) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	m.publish(Event{Key: key, Removed: true})
}

// publish must be called with m.mu held.
func (m *Memory) publish(ev Event) {
	for _, w := range m.watchers {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			m.log.Warn("ephemeral watcher full, dropping event", zap.String("key", ev.Key))
		}
	}
}

func (m *Memory) watch(ctx context.Context, owner *Conn, prefix string) (<-chan Event, func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrDisconnected
	}

	keys := make([]string, 0)
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	w := &watcher{
		prefix: prefix,
		owner:  owner,
		ch:     make(chan Event, watchBuffer+len(keys)),
		closed: make(chan struct{}),
	}
	for _, k := range keys {
		w.ch <- Event{Key: k, Value: m.values[k]}
	}
	id := m.next
	m.next++
	m.watchers[id] = w
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		if m.watchers[id] == w {
			delete(m.watchers, id)
		}
		m.mu.Unlock()
		w.close()
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-w.closed:
		}
	}()
	return w.ch, stop, nil
}

func (m *Memory) dropWatchers(owner *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.watchers {
		if w.owner == owner {
			delete(m.watchers, id)
			w.close()
		}
	}
}

// close must only be called after w left Memory.watchers, so no publish can
// race with it.
func (w *watcher) close() {
	w.once.Do(func() {
		close(w.ch)
		close(w.closed)
	})
}

// Conn is one client's connection to a Memory store. It implements KV.
type Conn struct {
	m  *Memory
	id string

	mu      sync.Mutex
	hooks   map[string]struct{}
	dropped bool
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Set(ctx context.Context, key string, value json.RawMessage) error {
	if c.isDropped() {
		return ErrDisconnected
	}
	return c.m.set(key, value)
}

func (c *Conn) Remove(ctx context.Context, key string) error {
	if c.isDropped() {
		return ErrDisconnected
	}
	c.m.remove(key)
	return nil
}

func (c *Conn) OnDisconnectRemove(ctx context.Context, key string) (CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return nil, ErrDisconnected
	}
	c.hooks[key] = struct{}{}
	return func(context.Context) error {
		c.CancelOnDisconnect(key)
		return nil
	}, nil
}

// CancelOnDisconnect unregisters the disconnect hook for key, if any.
func (c *Conn) CancelOnDisconnect(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hooks, key)
}

func (c *Conn) Watch(ctx context.Context, prefix string) (<-chan Event, func(), error) {
	if c.isDropped() {
		return nil, nil, ErrDisconnected
	}
	return c.m.watch(ctx, c, prefix)
}

// Hooks returns the keys that will be removed when the connection drops.
func (c *Conn) Hooks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.hooks))
	for k := range c.hooks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Drop handles an abrupt disconnect: every registered hook fires and the
// connection's watches end. Dropping twice is a no-op.
func (c *Conn) Drop() {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	keys := make([]string, 0, len(c.hooks))
	for k := range c.hooks {
		keys = append(keys, k)
	}
	c.hooks = nil
	c.mu.Unlock()

	for _, k := range keys {
		c.m.remove(k)
	}
	c.m.dropWatchers(c)
	c.m.log.Debug("ephemeral connection dropped", zap.String("conn", c.id), zap.Int("hooks", len(keys)))
}

func (c *Conn) isDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
