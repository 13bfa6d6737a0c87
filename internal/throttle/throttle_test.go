package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder[T any] struct {
	mu    sync.Mutex
	calls []T
	ch    chan T
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{ch: make(chan T, 16)}
}

func (r *recorder[T]) fn(v T) {
	r.mu.Lock()
	r.calls = append(r.calls, v)
	r.mu.Unlock()
	r.ch <- v
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func recvCall[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(within):
		t.Fatalf("timed out waiting for throttled call")
		var zero T
		return zero
	}
}

func TestThrottle_CoalescesBurstToLastPayload(t *testing.T) {
	rec := newRecorder[int]()
	th := New(40*time.Millisecond, rec.fn)

	for i := 1; i <= 5; i++ {
		th.Call(i)
	}

	got := recvCall(t, rec.ch, time.Second)
	assert.Equal(t, 5, got)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.False(t, th.Pending())
}

func TestThrottle_CancelDropsPendingCall(t *testing.T) {
	rec := newRecorder[int]()
	th := New(30*time.Millisecond, rec.fn)

	th.Call(1)
	th.Call(2)
	th.Cancel()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestThrottle_FlushSendsImmediately(t *testing.T) {
	rec := newRecorder[string]()
	th := New(time.Hour, rec.fn)

	th.Call("a")
	th.Call("b")
	th.Flush()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "b", <-rec.ch)

	th.Flush()
	assert.Equal(t, 1, rec.count(), "flush with nothing pending is a no-op")
}

func TestThrottle_NewWindowAfterFire(t *testing.T) {
	rec := newRecorder[int]()
	th := New(20*time.Millisecond, rec.fn)

	th.Call(1)
	assert.Equal(t, 1, recvCall(t, rec.ch, time.Second))

	th.Call(2)
	assert.Equal(t, 2, recvCall(t, rec.ch, time.Second))
}

func TestThrottle_CancelThenCallOpensFreshWindow(t *testing.T) {
	rec := newRecorder[int]()
	th := New(30*time.Millisecond, rec.fn)

	th.Call(1)
	th.Cancel()
	th.Call(2)

	assert.Equal(t, 2, recvCall(t, rec.ch, time.Second))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestKeyed_IndependentWindowsPerKey(t *testing.T) {
	type call struct {
		key string
		v   int
	}
	calls := make(chan call, 8)
	k := NewKeyed(30*time.Millisecond, func(key string, v int) {
		calls <- call{key, v}
	})

	k.Call("a", 1)
	k.Call("b", 10)
	k.Call("a", 2)
	k.Call("b", 11)

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		c := recvCall(t, calls, time.Second)
		got[c.key] = c.v
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 11}, got)
}

func TestKeyed_FlushAndCancelAll(t *testing.T) {
	calls := make(chan string, 8)
	k := NewKeyed(time.Hour, func(key string, _ int) { calls <- key })

	k.Call("a", 1)
	k.Flush("a")
	assert.Equal(t, "a", recvCall(t, calls, time.Second))

	k.Call("b", 1)
	k.Call("c", 1)
	k.CancelAll()
	k.FlushAll()

	select {
	case key := <-calls:
		t.Fatalf("unexpected call for %s after CancelAll", key)
	case <-time.After(30 * time.Millisecond):
	}
}
