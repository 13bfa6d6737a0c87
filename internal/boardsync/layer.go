// Package boardsync applies shape mutations to the local canvas Store first
// and persists them to the durable board store in the background, rolling the
// Store back when a write fails. It also merges the durable change stream
// into the Store.
package boardsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/canvas"
	"github.com/DoyleJ11/collab-board/internal/clock"
	"github.com/DoyleJ11/collab-board/internal/editbuffer"
	"github.com/DoyleJ11/collab-board/internal/shape"
	"github.com/DoyleJ11/collab-board/internal/throttle"
)

const (
	DefaultThrottle = 50 * time.Millisecond

	writeTimeout     = 10 * time.Second
	noticeBuffer     = 32
	batchConcurrency = 4
)

var ErrClosed = errors.New("sync layer closed")

type Op string

const (
	OpCreate      Op = "create"
	OpCreateBatch Op = "create_batch"
	OpUpdate      Op = "update"
	OpDelete      Op = "delete"
)

// Notice reports a write that failed and was rolled back.
type Notice struct {
	Op       Op
	ShapeIDs []string
	Err      error
}

type Options struct {
	BoardID  string
	UserID   string
	Throttle time.Duration
	MaxBatch int
	Clock    *clock.Clock
	Buffer   *editbuffer.Buffer
	Logger   *zap.Logger
}

// Layer must be created with New. All methods are safe for concurrent use,
// though mutations are expected to come from a single UI goroutine.
type Layer struct {
	store    *canvas.Store
	durable  boardstore.Store
	board    string
	user     string
	maxBatch int
	clock    *clock.Clock
	buffer   *editbuffer.Buffer
	log      *zap.Logger

	updates *throttle.Keyed[string, *window]

	mu      sync.Mutex
	windows map[string]*window
	writing map[string]*window
	tails   map[string]chan struct{}

	inflight tracker
	notices  chan Notice
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// window collects the updates made to one shape during one throttle window.
type window struct {
	patch   shape.Patch
	prior   shape.Patch
	priorBy string
	priorAt int64
	at      int64
	waiters []*Pending
	failed  atomic.Bool
}

func New(store *canvas.Store, durable boardstore.Store, opts Options) *Layer {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.MaxBatch <= 0 || opts.MaxBatch > boardstore.MaxBatchSize {
		opts.MaxBatch = boardstore.MaxBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Layer{
		store:    store,
		durable:  durable,
		board:    opts.BoardID,
		user:     opts.UserID,
		maxBatch: opts.MaxBatch,
		clock:    opts.Clock,
		buffer:   opts.Buffer,
		log:      opts.Logger.With(zap.String("board", opts.BoardID)),
		windows:  make(map[string]*window),
		writing:  make(map[string]*window),
		tails:    make(map[string]chan struct{}),
		notices:  make(chan Notice, noticeBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	l.updates = throttle.NewKeyed(opts.Throttle, l.flushWindow)
	return l
}

// State returns the current canvas snapshot.
func (l *Layer) State() canvas.State {
	return l.store.State()
}

// Notices streams rolled-back writes. Notices are dropped while the stream is
// full.
func (l *Layer) Notices() <-chan Notice {
	return l.notices
}

// InFlight is the number of durable writes that have not resolved yet,
// including throttled updates still waiting for their window to close.
func (l *Layer) InFlight() int {
	l.mu.Lock()
	queued := len(l.windows)
	l.mu.Unlock()
	return l.inflight.count() + queued
}

func (l *Layer) AddShape(sh shape.Shape) *Pending {
	if l.closed.Load() {
		return Resolved(ErrClosed)
	}
	sh = l.stamp(sh)
	if err := sh.Validate(); err != nil {
		return Resolved(err)
	}

	l.store.Dispatch(canvas.AddShape{Shape: sh})

	p := newPending()
	l.persist(sh.ID, OpCreate, []string{sh.ID},
		func(ctx context.Context) error {
			return l.durable.Create(ctx, l.board, boardstore.Record{Shape: sh})
		},
		func() { l.store.Dispatch(canvas.DeleteShape{ID: sh.ID}) },
		nil,
		p,
	)
	return p
}

// AddShapesBatch creates many shapes at once. The durable writes are split
// into chunks no larger than the store's batch limit; a failed chunk rolls
// back only its own shapes.
func (l *Layer) AddShapesBatch(shapes []shape.Shape) *Pending {
	if l.closed.Load() {
		return Resolved(ErrClosed)
	}
	if len(shapes) == 0 {
		return Resolved(nil)
	}

	stamped := make([]shape.Shape, 0, len(shapes))
	for _, sh := range shapes {
		sh = l.stamp(sh)
		if err := sh.Validate(); err != nil {
			return Resolved(err)
		}
		stamped = append(stamped, sh)
	}

	l.store.Dispatch(canvas.AddShapes{Shapes: stamped})

	p := newPending()
	l.inflight.add()
	go func() {
		var (
			mu   sync.Mutex
			errs error
			g    errgroup.Group
		)
		g.SetLimit(batchConcurrency)
		for _, chunk := range boardstore.Chunk(stamped, l.maxBatch) {
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(l.ctx, writeTimeout)
				defer cancel()

				recs := make([]boardstore.Record, 0, len(chunk))
				ids := make([]string, 0, len(chunk))
				for _, sh := range chunk {
					recs = append(recs, boardstore.Record{Shape: sh})
					ids = append(ids, sh.ID)
				}
				if err := l.durable.CreateBatch(ctx, l.board, recs); err != nil {
					l.store.Dispatch(canvas.DeleteShapes{IDs: ids})
					l.notify(OpCreateBatch, ids, err)
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		l.inflight.done()
		p.resolve(errs)
	}()
	return p
}

// UpdateShape applies patch locally right away and persists it through the
// per-shape throttle: at most one durable write per window, carrying every
// property changed during the window.
func (l *Layer) UpdateShape(id string, patch shape.Patch) *Pending {
	if l.closed.Load() {
		return Resolved(ErrClosed)
	}
	if patch.IsEmpty() {
		return Resolved(nil)
	}
	cur, ok := l.store.State().Shape(id)
	if !ok {
		return Resolved(fmt.Errorf("update %s: %w", id, boardstore.ErrNotFound))
	}

	at := l.clock.Now()
	p := newPending()

	l.mu.Lock()
	w, ok := l.windows[id]
	if !ok {
		w = &window{priorBy: cur.UpdatedBy, priorAt: cur.UpdatedAt}
		l.windows[id] = w
	}
	// Values captured earlier in the window win: they are the pre-window state.
	w.prior = cur.Props.Capture(patch).Merge(w.prior)
	w.patch = w.patch.Merge(patch)
	w.at = at
	w.waiters = append(w.waiters, p)
	l.mu.Unlock()

	l.store.Dispatch(canvas.UpdateShape{ID: id, Patch: patch, UpdatedBy: l.user, UpdatedAt: at})
	l.updates.Call(id, w)
	return p
}

// CommitShape is UpdateShape followed by an immediate write, used when a
// gesture ends or a command runs.
func (l *Layer) CommitShape(id string, patch shape.Patch) *Pending {
	p := l.UpdateShape(id, patch)
	l.updates.Flush(id)
	return p
}

func (l *Layer) DeleteShape(id string) *Pending {
	if l.closed.Load() {
		return Resolved(ErrClosed)
	}
	// Look up the shape's unsettled update before the snapshot: if none is
	// found, any earlier rollback has already reached the Store.
	l.mu.Lock()
	w := l.windows[id]
	if w == nil {
		w = l.writing[id]
	}
	l.mu.Unlock()

	snapshot, ok := l.store.State().Shape(id)
	if !ok {
		return Resolved(fmt.Errorf("delete %s: %w", id, boardstore.ErrNotFound))
	}

	// The throttled update is queued ahead of the delete rather than dropped,
	// so its waiters learn the real outcome.
	l.updates.Flush(id)
	l.store.Dispatch(canvas.DeleteShape{ID: id})

	at := l.clock.Now()
	p := newPending()
	l.persist(id, OpDelete, []string{id},
		func(ctx context.Context) error {
			return l.durable.Delete(ctx, l.board, id, l.user, at)
		},
		func() {
			restored := snapshot
			if w != nil && w.failed.Load() {
				restored.Props = restored.Props.Apply(w.prior)
				restored.UpdatedBy, restored.UpdatedAt = w.priorBy, w.priorAt
			}
			l.store.Dispatch(canvas.AddShape{Shape: restored})
		},
		func() { l.clearBuffer(id) },
		p,
	)
	return p
}

// Flush writes every pending throttled update now.
func (l *Layer) Flush() {
	l.updates.FlushAll()
}

// Subscribe merges the board's change stream into the Store until the
// returned function is called or ctx ends.
func (l *Layer) Subscribe(ctx context.Context) (func(), error) {
	changes, unsubscribe, err := l.durable.Subscribe(ctx, l.board)
	if err != nil {
		return nil, fmt.Errorf("subscribe board %s: %w", l.board, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range changes {
			l.applyChange(c)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			<-done
		})
	}, nil
}

// Close writes pending throttled updates and waits for in-flight writes until
// ctx ends, after which remaining writes are abandoned.
func (l *Layer) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer l.cancel()

	l.updates.FlushAll()
	select {
	case <-l.inflight.idle():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d writes: %w", l.inflight.count(), ctx.Err())
	}
}

func (l *Layer) applyChange(c boardstore.Change) {
	l.clock.Observe(c.Record.UpdatedAt)

	if c.Type == boardstore.ChangeRemoved || c.Record.Deleted {
		l.store.Dispatch(canvas.DeleteShape{ID: c.Record.ID})
		return
	}
	if err := c.Record.Validate(); err != nil {
		l.log.Warn("ignoring invalid change", zap.String("change", string(c.Type)), zap.Error(err))
		return
	}
	l.store.Dispatch(canvas.ApplyServerChange{Shape: c.Record.Shape})
}

func (l *Layer) flushWindow(id string, w *window) {
	l.mu.Lock()
	if l.windows[id] != w {
		// Already flushed.
		l.mu.Unlock()
		return
	}
	delete(l.windows, id)
	l.writing[id] = w
	// Queued under the same lock, so a delete that no longer finds the
	// window is already ordered behind this write.
	prev, mine := l.enqueueLocked(id)
	l.mu.Unlock()

	if w.patch.HasPosition() {
		if sh, ok := l.store.State().Shape(id); ok {
			if err := l.buffer.Put(id, sh.Props.X, sh.Props.Y, w.at); err != nil {
				l.log.Warn("edit buffer write failed", zap.String("shape", id), zap.Error(err))
			}
		}
	}

	l.run(id, prev, mine, OpUpdate, []string{id},
		func(ctx context.Context) error {
			return l.durable.Update(ctx, l.board, id, w.patch, l.user, w.at)
		},
		func() {
			w.failed.Store(true)
			l.store.Dispatch(canvas.UpdateShape{ID: id, Patch: w.prior, UpdatedBy: w.priorBy, UpdatedAt: w.priorAt})
			l.settleWindow(id, w)
		},
		func() {
			if w.patch.HasPosition() {
				l.clearBuffer(id)
			}
			l.settleWindow(id, w)
		},
		w.waiters...,
	)
}

// settleWindow forgets a written window once its outcome is in the Store.
func (l *Layer) settleWindow(id string, w *window) {
	l.mu.Lock()
	if l.writing[id] == w {
		delete(l.writing, id)
	}
	l.mu.Unlock()
}

// persist runs write in the background. Writes for the same key run one at a
// time in call order, so a shape's writes reach the store in the order they
// were made.
func (l *Layer) persist(key string, op Op, ids []string, write func(context.Context) error, rollback, onSuccess func(), waiters ...*Pending) {
	l.mu.Lock()
	prev, mine := l.enqueueLocked(key)
	l.mu.Unlock()
	l.run(key, prev, mine, op, ids, write, rollback, onSuccess, waiters...)
}

// enqueueLocked appends a write to key's chain. It must be called with l.mu
// held.
func (l *Layer) enqueueLocked(key string) (prev, mine chan struct{}) {
	prev = l.tails[key]
	mine = make(chan struct{})
	l.tails[key] = mine
	return prev, mine
}

func (l *Layer) run(key string, prev, mine chan struct{}, op Op, ids []string, write func(context.Context) error, rollback, onSuccess func(), waiters ...*Pending) {
	l.inflight.add()
	go func() {
		defer func() {
			close(mine)
			l.mu.Lock()
			if l.tails[key] == mine {
				delete(l.tails, key)
			}
			l.mu.Unlock()
		}()

		if prev != nil {
			<-prev
		}

		ctx, cancel := context.WithTimeout(l.ctx, writeTimeout)
		err := write(ctx)
		cancel()

		if err != nil {
			if rollback != nil {
				rollback()
			}
			l.notify(op, ids, err)
		} else if onSuccess != nil {
			onSuccess()
		}
		// Settle the count first so a waiter sees InFlight without this write.
		l.inflight.done()
		for _, p := range waiters {
			p.resolve(err)
		}
	}()
}

func (l *Layer) notify(op Op, ids []string, err error) {
	l.log.Warn("write failed, rolled back",
		zap.String("op", string(op)),
		zap.Strings("shapes", ids),
		zap.Error(err),
	)
	select {
	case l.notices <- Notice{Op: op, ShapeIDs: ids, Err: err}:
	default:
		l.log.Debug("notice dropped", zap.String("op", string(op)))
	}
}

func (l *Layer) stamp(sh shape.Shape) shape.Shape {
	now := l.clock.Now()
	if sh.ID == "" {
		sh.ID = uuid.NewString()
	}
	if sh.CreatedBy == "" {
		sh.CreatedBy = l.user
	}
	if sh.CreatedAt == 0 {
		sh.CreatedAt = now
	}
	sh.UpdatedBy = l.user
	sh.UpdatedAt = now
	return sh
}

func (l *Layer) clearBuffer(id string) {
	if err := l.buffer.Clear(id); err != nil {
		l.log.Warn("edit buffer clear failed", zap.String("shape", id), zap.Error(err))
	}
}

// tracker counts in-flight writes and lets Close wait for them without the
// Add-during-Wait restrictions of sync.WaitGroup.
type tracker struct {
	mu      sync.Mutex
	n       int
	waiters []chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		for _, ch := range t.waiters {
			close(ch)
		}
		t.waiters = nil
	}
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *tracker) idle() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	if t.n == 0 {
		close(ch)
		return ch
	}
	t.waiters = append(t.waiters, ch)
	return ch
}
