package remote_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/ephemeral"
	"github.com/DoyleJ11/collab-board/internal/httpapi"
	"github.com/DoyleJ11/collab-board/internal/hub"
	"github.com/DoyleJ11/collab-board/internal/remote"
	"github.com/DoyleJ11/collab-board/internal/session"
	"github.com/DoyleJ11/collab-board/internal/shape"
)

const board = "REM0TE"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := boardstore.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	log := zaptest.NewLogger(t)
	srv := httptest.NewServer(httpapi.SetupRoutes(hub.NewHub(ctx, store, log), store, log))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		store.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *remote.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := remote.Dial(ctx, srv.URL, board, user, remote.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func rect(id string, at int64) boardstore.Record {
	return boardstore.Record{Shape: shape.Shape{
		ID:        id,
		Type:      shape.TypeRect,
		Props:     shape.Props{X: 1, Y: 2, Width: 3, Height: 4},
		CreatedBy: "alice",
		CreatedAt: at,
		UpdatedBy: "alice",
		UpdatedAt: at,
	}}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestClient_DurableStore(t *testing.T) {
	srv := newServer(t)
	c := dial(t, srv, "alice")
	ctx := ctxT(t)

	require.NoError(t, c.Create(ctx, board, rect("s1", 1)))
	require.NoError(t, c.CreateBatch(ctx, board, []boardstore.Record{rect("s2", 2), rect("s3", 3)}))

	x := 99.0
	require.NoError(t, c.Update(ctx, board, "s1", shape.Patch{X: &x}, "bob", 10))
	require.NoError(t, c.Delete(ctx, board, "s3", "bob", 11))

	recs, err := c.List(ctx, board)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "s1", recs[0].ID)
	assert.Equal(t, 99.0, recs[0].Props.X)
	assert.Equal(t, "bob", recs[0].UpdatedBy)
}

func TestClient_ErrorsMapToSentinels(t *testing.T) {
	srv := newServer(t)
	c := dial(t, srv, "alice")
	ctx := ctxT(t)

	x := 1.0
	assert.ErrorIs(t, c.Update(ctx, board, "missing", shape.Patch{X: &x}, "a", 1), boardstore.ErrNotFound)
	assert.ErrorIs(t, c.Delete(ctx, board, "missing", "a", 1), boardstore.ErrNotFound)
	assert.ErrorIs(t, c.Create(ctx, board, boardstore.Record{}), shape.ErrInvalidShape)
	assert.ErrorIs(t, c.CreateBatch(ctx, board, make([]boardstore.Record, boardstore.MaxBatchSize+1)), boardstore.ErrBatchTooLarge)
}

func TestClient_SubscribeStreamsChanges(t *testing.T) {
	srv := newServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	ctx := ctxT(t)

	changes, stop, err := bob.Subscribe(ctx, board)
	require.NoError(t, err)
	defer stop()

	_, _, err = bob.Subscribe(ctx, "elsewhere")
	assert.ErrorIs(t, err, remote.ErrOtherBoard)

	require.NoError(t, alice.Create(ctx, board, rect("s1", 1)))
	c := recv(t, changes)
	assert.Equal(t, boardstore.ChangeAdded, c.Type)
	assert.Equal(t, "s1", c.Record.ID)

	stop()
	_, ok := <-changes
	assert.False(t, ok)
}

func TestClient_EphemeralRoundTrip(t *testing.T) {
	srv := newServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	ctx := ctxT(t)

	prefix := ephemeral.Prefix(board, ephemeral.ChannelCursor)
	events, stop, err := bob.Watch(ctx, prefix)
	require.NoError(t, err)
	defer stop()

	key := ephemeral.Key(board, ephemeral.ChannelCursor, "alice")
	value, err := json.Marshal(ephemeral.Cursor{UID: "alice", X: 3, Y: 4})
	require.NoError(t, err)
	require.NoError(t, alice.Set(ctx, key, value))

	ev := recv(t, events)
	assert.Equal(t, key, ev.Key)
	assert.JSONEq(t, string(value), string(ev.Value))

	require.NoError(t, alice.Remove(ctx, key))
	ev = recv(t, events)
	assert.True(t, ev.Removed)
}

func TestClient_DisconnectFiresHooks(t *testing.T) {
	srv := newServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	ctx := ctxT(t)

	prefix := ephemeral.Prefix(board, ephemeral.ChannelPresence)
	events, stop, err := bob.Watch(ctx, prefix)
	require.NoError(t, err)
	defer stop()

	key := ephemeral.Key(board, ephemeral.ChannelPresence, "alice")
	require.NoError(t, alice.Set(ctx, key, json.RawMessage(`{"uid":"alice","status":"online"}`)))
	_, err = alice.OnDisconnectRemove(ctx, key)
	require.NoError(t, err)
	assert.False(t, recv(t, events).Removed)

	require.NoError(t, alice.Close())
	ev := recv(t, events)
	assert.Equal(t, key, ev.Key)
	assert.True(t, ev.Removed)
}

func TestClient_SessionsCollaborate(t *testing.T) {
	srv := newServer(t)
	ctx := ctxT(t)

	open := func(user string) *session.Session {
		c := dial(t, srv, user)
		s, err := session.New(session.Config{
			BoardID:           board,
			UserID:            user,
			UserName:          user,
			UpdateThrottle:    10 * time.Millisecond,
			CursorThrottle:    10 * time.Millisecond,
			GestureThrottle:   10 * time.Millisecond,
			ReconcileInterval: time.Hour,
			ToleranceMS:       100,
			HistoryLimit:      10,
		}, c, c, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx))
		t.Cleanup(func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = s.Stop(sctx)
		})
		return s
	}
	alice := open("alice")
	bob := open("bob")

	require.Eventually(t, func() bool {
		_, ok := alice.Store.State().OnlineUsers["bob"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	p := bob.Sync.AddShape(shape.Shape{ID: "s1", Type: shape.TypeCircle, Props: shape.Props{X: 7, Y: 8, Radius: 5}})
	require.NoError(t, p.Wait(ctx))

	require.Eventually(t, func() bool {
		sh, ok := alice.Store.State().Shape("s1")
		return ok && sh.Props.Radius == 5
	}, 2*time.Second, 10*time.Millisecond)
}
