package boardsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/canvas"
	"github.com/DoyleJ11/collab-board/internal/editbuffer"
	"github.com/DoyleJ11/collab-board/internal/shape"
)

var errBoom = errors.New("boom")

// faultyStore wraps the in-memory store and fails selected operations.
type faultyStore struct {
	*boardstore.Memory

	mu            sync.Mutex
	failCreate    bool
	failUpdate    bool
	failDelete    bool
	failBatchWith string
	updates       []shape.Patch
	batches       int
}

func newFaultyStore(t *testing.T) *faultyStore {
	mem := boardstore.NewMemory()
	t.Cleanup(mem.Close)
	return &faultyStore{Memory: mem}
}

func (f *faultyStore) Create(ctx context.Context, boardID string, rec boardstore.Record) error {
	f.mu.Lock()
	fail := f.failCreate
	f.mu.Unlock()
	if fail {
		return errBoom
	}
	return f.Memory.Create(ctx, boardID, rec)
}

func (f *faultyStore) CreateBatch(ctx context.Context, boardID string, recs []boardstore.Record) error {
	f.mu.Lock()
	f.batches++
	failID := f.failBatchWith
	f.mu.Unlock()
	for _, r := range recs {
		if failID != "" && r.ID == failID {
			return errBoom
		}
	}
	return f.Memory.CreateBatch(ctx, boardID, recs)
}

func (f *faultyStore) Update(ctx context.Context, boardID, id string, patch shape.Patch, updatedBy string, updatedAt int64) error {
	f.mu.Lock()
	f.updates = append(f.updates, patch)
	fail := f.failUpdate
	f.mu.Unlock()
	if fail {
		return errBoom
	}
	return f.Memory.Update(ctx, boardID, id, patch, updatedBy, updatedAt)
}

func (f *faultyStore) Delete(ctx context.Context, boardID, id string, deletedBy string, deletedAt int64) error {
	f.mu.Lock()
	fail := f.failDelete
	f.mu.Unlock()
	if fail {
		return errBoom
	}
	return f.Memory.Delete(ctx, boardID, id, deletedBy, deletedAt)
}

func (f *faultyStore) set(fn func(f *faultyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func newLayer(t *testing.T, durable boardstore.Store, opts Options) *Layer {
	t.Helper()
	if opts.BoardID == "" {
		opts.BoardID = "b1"
	}
	if opts.UserID == "" {
		opts.UserID = "u1"
	}
	opts.Logger = zaptest.NewLogger(t)
	l := New(canvas.NewStore(canvas.NewState()), durable, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Close(ctx)
	})
	return l
}

func rect(id string) shape.Shape {
	return shape.Shape{
		ID:    id,
		Type:  shape.TypeRect,
		Props: shape.Props{X: 10, Y: 10, Width: 50, Height: 40, Fill: "#fff", Draggable: true},
	}
}

func wait(t *testing.T, p *Pending) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "write never resolved")
	return err
}

func recvNotice(t *testing.T, l *Layer) Notice {
	t.Helper()
	select {
	case n := <-l.Notices():
		return n
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notice")
		return Notice{}
	}
}

func TestLayer_AddShapeIsOptimisticAndPersisted(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{})

	sh := rect("")
	p := l.AddShape(sh)

	st := l.State()
	require.Len(t, st.Shapes, 1, "shape is visible before the write resolves")
	var id string
	for k, v := range st.Shapes {
		id = k
		assert.Equal(t, "u1", v.CreatedBy)
		assert.Equal(t, "u1", v.UpdatedBy)
		assert.NotZero(t, v.UpdatedAt)
	}
	assert.NotEmpty(t, id)

	require.NoError(t, wait(t, p))
	recs, err := durable.List(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
}

func TestLayer_AddShapeRollsBackOnFailure(t *testing.T) {
	durable := newFaultyStore(t)
	durable.set(func(f *faultyStore) { f.failCreate = true })
	l := newLayer(t, durable, Options{})

	p := l.AddShape(rect("a"))
	require.ErrorIs(t, wait(t, p), errBoom)

	_, ok := l.State().Shape("a")
	assert.False(t, ok)

	n := recvNotice(t, l)
	assert.Equal(t, OpCreate, n.Op)
	assert.Equal(t, []string{"a"}, n.ShapeIDs)
	assert.Zero(t, l.InFlight())
}

func TestLayer_AddShapeRejectsInvalidShape(t *testing.T) {
	l := newLayer(t, newFaultyStore(t), Options{})

	p := l.AddShape(shape.Shape{ID: "x", Type: "hexagon"})
	require.ErrorIs(t, p.Err(), shape.ErrInvalidShape)
	assert.Empty(t, l.State().Shapes)
}

func TestLayer_UpdateBurstCoalescesIntoOneWrite(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{Throttle: 200 * time.Millisecond})
	require.NoError(t, wait(t, l.AddShape(rect("a"))))

	var pending []*Pending
	for i := 1; i <= 10; i++ {
		pending = append(pending, l.UpdateShape("a", shape.At(float64(i*10), 5)))
	}
	pending = append(pending, l.UpdateShape("a", shape.Patch{Fill: shape.Ptr("#000")}))

	sh, _ := l.State().Shape("a")
	assert.Equal(t, 100.0, sh.Props.X, "local state reflects every update immediately")
	assert.Positive(t, l.InFlight())

	for _, p := range pending {
		require.NoError(t, wait(t, p))
	}
	assert.Equal(t, 1, durable.updateCount())

	recs, err := durable.List(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 100.0, recs[0].Props.X)
	assert.Equal(t, 5.0, recs[0].Props.Y)
	assert.Equal(t, "#000", recs[0].Props.Fill)
}

func TestLayer_UpdateRollbackRestoresPreWindowValues(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{Throttle: time.Hour})
	require.NoError(t, wait(t, l.AddShape(rect("a"))))
	before, _ := l.State().Shape("a")

	durable.set(func(f *faultyStore) { f.failUpdate = true })
	l.UpdateShape("a", shape.At(20, 20))
	l.UpdateShape("a", shape.Patch{Fill: shape.Ptr("#123")})
	p := l.CommitShape("a", shape.At(30, 30))

	require.ErrorIs(t, wait(t, p), errBoom)

	after, _ := l.State().Shape("a")
	assert.Equal(t, before.Props, after.Props)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.UpdatedBy, after.UpdatedBy)

	n := recvNotice(t, l)
	assert.Equal(t, OpUpdate, n.Op)
}

func TestLayer_UpdateMissingShape(t *testing.T) {
	l := newLayer(t, newFaultyStore(t), Options{})
	require.ErrorIs(t, l.UpdateShape("nope", shape.At(1, 1)).Err(), boardstore.ErrNotFound)
	require.NoError(t, l.UpdateShape("nope", shape.Patch{}).Err(), "empty patch is a no-op")
}

func TestLayer_DeleteRollsBackSnapshot(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{})
	require.NoError(t, wait(t, l.AddShape(rect("a"))))
	before, _ := l.State().Shape("a")

	durable.set(func(f *faultyStore) { f.failDelete = true })
	p := l.DeleteShape("a")
	_, ok := l.State().Shape("a")
	assert.False(t, ok, "delete is optimistic")

	require.ErrorIs(t, wait(t, p), errBoom)
	after, ok := l.State().Shape("a")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestLayer_DeleteWritesThrottledUpdateFirst(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{Throttle: time.Hour})
	require.NoError(t, wait(t, l.AddShape(rect("a"))))

	up := l.UpdateShape("a", shape.At(99, 99))
	require.NoError(t, wait(t, l.DeleteShape("a")))
	require.NoError(t, wait(t, up))

	assert.Equal(t, 1, durable.updateCount())
	assert.Zero(t, l.InFlight())
}

func TestLayer_FailedDeleteKeepsPersistedUpdate(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{Throttle: time.Hour})
	require.NoError(t, wait(t, l.AddShape(rect("a"))))

	up := l.UpdateShape("a", shape.At(500, 500))
	durable.set(func(f *faultyStore) { f.failDelete = true })
	del := l.DeleteShape("a")

	require.NoError(t, wait(t, up))
	require.ErrorIs(t, wait(t, del), errBoom)

	local, ok := l.State().Shape("a")
	require.True(t, ok)
	recs, err := durable.List(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 500.0, local.Props.X)
	assert.Equal(t, recs[0].Props, local.Props)
	assert.Equal(t, recs[0].UpdatedAt, local.UpdatedAt)
}

func TestLayer_FailedDeleteAfterFailedUpdateRestoresPriorValues(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{Throttle: time.Hour})
	require.NoError(t, wait(t, l.AddShape(rect("a"))))
	before, _ := l.State().Shape("a")

	up := l.UpdateShape("a", shape.At(500, 500))
	durable.set(func(f *faultyStore) {
		f.failUpdate = true
		f.failDelete = true
	})
	del := l.DeleteShape("a")

	require.ErrorIs(t, wait(t, up), errBoom)
	require.ErrorIs(t, wait(t, del), errBoom)

	after, ok := l.State().Shape("a")
	require.True(t, ok)
	assert.Equal(t, before, after)

	recs, err := durable.List(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, recs[0].Props, after.Props)
	assert.Equal(t, recs[0].UpdatedAt, after.UpdatedAt)
}

func TestLayer_BatchIsChunkedAndRollsBackFailedChunk(t *testing.T) {
	durable := newFaultyStore(t)
	durable.set(func(f *faultyStore) { f.failBatchWith = "s0600" })
	l := newLayer(t, durable, Options{})

	shapes := make([]shape.Shape, 0, 1200)
	for i := 0; i < 1200; i++ {
		shapes = append(shapes, rect(fmt.Sprintf("s%04d", i)))
	}
	p := l.AddShapesBatch(shapes)
	assert.Len(t, l.State().Shapes, 1200)

	require.ErrorIs(t, wait(t, p), errBoom)
	durable.mu.Lock()
	assert.Equal(t, 3, durable.batches)
	durable.mu.Unlock()

	st := l.State()
	assert.Len(t, st.Shapes, 700)
	_, ok := st.Shape("s0600")
	assert.False(t, ok)
	_, ok = st.Shape("s0499")
	assert.True(t, ok)

	n := recvNotice(t, l)
	assert.Equal(t, OpCreateBatch, n.Op)
	assert.Len(t, n.ShapeIDs, 500)
}

func TestLayer_SubscribeAppliesRemoteChangesWithTolerance(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{})
	stop, err := l.Subscribe(context.Background())
	require.NoError(t, err)
	defer stop()

	require.NoError(t, wait(t, l.AddShape(rect("a"))))
	local, _ := l.State().Shape("a")
	ctx := context.Background()

	require.NoError(t, durable.Memory.Update(ctx, "b1", "a", shape.At(500, 500), "u2", local.UpdatedAt+1000))
	require.Eventually(t, func() bool {
		sh, _ := l.State().Shape("a")
		return sh.Props.X == 500
	}, time.Second, 5*time.Millisecond)

	// Within tolerance of the newer local copy: ignored.
	require.NoError(t, durable.Memory.Update(ctx, "b1", "a", shape.At(1, 1), "u2", local.UpdatedAt+1050))
	require.NoError(t, durable.Memory.Create(ctx, "b1", boardstore.Record{Shape: func() shape.Shape {
		s := rect("marker")
		s.CreatedAt, s.UpdatedAt, s.UpdatedBy = 1, 1, "u2"
		return s
	}()}))
	require.Eventually(t, func() bool {
		_, ok := l.State().Shape("marker")
		return ok
	}, time.Second, 5*time.Millisecond)
	sh, _ := l.State().Shape("a")
	assert.Equal(t, 500.0, sh.Props.X)

	require.NoError(t, durable.Memory.Delete(ctx, "b1", "a", "u2", local.UpdatedAt+2000))
	require.Eventually(t, func() bool {
		_, ok := l.State().Shape("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestLayer_LocalTimestampsFollowObservedRemoteTime(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{})
	stop, err := l.Subscribe(context.Background())
	require.NoError(t, err)
	defer stop()

	future := time.Now().Add(time.Hour).UnixMilli()
	remote := rect("r")
	remote.CreatedAt, remote.UpdatedAt, remote.UpdatedBy = future, future, "u2"
	require.NoError(t, durable.Memory.Create(context.Background(), "b1", boardstore.Record{Shape: remote}))
	require.Eventually(t, func() bool {
		_, ok := l.State().Shape("r")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, wait(t, l.CommitShape("r", shape.At(1, 2))))
	sh, _ := l.State().Shape("r")
	assert.Greater(t, sh.UpdatedAt, future)
	assert.Equal(t, 1.0, sh.Props.X)
}

func TestLayer_EditBufferWrittenPerWindow(t *testing.T) {
	buf, err := editbuffer.Open(t.TempDir(), "b1", "u1", zaptest.NewLogger(t))
	require.NoError(t, err)

	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{Buffer: buf, Throttle: time.Hour})
	require.NoError(t, wait(t, l.AddShape(rect("a"))))

	// Samples inside a window never touch the file.
	l.UpdateShape("a", shape.At(40, 41))
	p := l.UpdateShape("a", shape.At(42, 43))
	assert.Zero(t, buf.Len())

	durable.set(func(f *faultyStore) { f.failUpdate = true })
	l.Flush()
	require.ErrorIs(t, wait(t, p), errBoom)
	entries := buf.Take()
	require.Contains(t, entries, "a")
	assert.Equal(t, 42.0, entries["a"].X)
	assert.Equal(t, 43.0, entries["a"].Y)

	durable.set(func(f *faultyStore) { f.failUpdate = false })
	p = l.UpdateShape("a", shape.At(7, 8))
	l.Flush()
	require.NoError(t, wait(t, p))
	assert.Zero(t, buf.Len())
}

func TestLayer_CloseFlushesPendingUpdates(t *testing.T) {
	durable := newFaultyStore(t)
	l := newLayer(t, durable, Options{Throttle: time.Hour})
	require.NoError(t, wait(t, l.AddShape(rect("a"))))

	p := l.UpdateShape("a", shape.At(7, 7))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))

	require.NoError(t, p.Err())
	assert.Equal(t, 1, durable.updateCount())
	require.ErrorIs(t, l.AddShape(rect("b")).Err(), ErrClosed)
}
