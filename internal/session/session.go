// Package session wires one user's view of one board: the canvas Store, the
// sync layer, the ephemeral channels, reconciliation and undo history. Every
// goroutine and subscription it starts is torn down by Stop.
package session

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

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/boardsync"
	"github.com/DoyleJ11/collab-board/internal/canvas"
	"github.com/DoyleJ11/collab-board/internal/clock"
	"github.com/DoyleJ11/collab-board/internal/command"
	"github.com/DoyleJ11/collab-board/internal/config"
	"github.com/DoyleJ11/collab-board/internal/editbuffer"
	"github.com/DoyleJ11/collab-board/internal/ephemeral"
	"github.com/DoyleJ11/collab-board/internal/reconcile"
	"github.com/DoyleJ11/collab-board/internal/shape"
)

var (
	ErrStarted    = errors.New("session already started")
	ErrStopped    = errors.New("session stopped")
	ErrNoGesture  = errors.New("no gesture in progress for shape")
	ErrMissingIDs = errors.New("board and user ids are required")
)

type Config struct {
	BoardID           string
	UserID            string
	UserName          string
	UserColor         string
	UpdateThrottle    time.Duration
	CursorThrottle    time.Duration
	GestureThrottle   time.Duration
	ReconcileEnabled  bool
	ReconcileInterval time.Duration
	ToleranceMS       int64
	HistoryLimit      int
	EditBufferDir     string
}

// FromConfig maps the environment settings onto a session Config. A missing
// user id is replaced by a fresh one.
func FromConfig(c config.Sync) Config {
	uid := c.UserID
	if uid == "" {
		uid = NewUserID()
	}
	return Config{
		BoardID:           c.BoardID,
		UserID:            uid,
		UserName:          c.UserName,
		UserColor:         c.UserColor,
		UpdateThrottle:    c.UpdateThrottle,
		CursorThrottle:    c.CursorThrottle,
		GestureThrottle:   c.GestureThrottle,
		ReconcileEnabled:  c.ReconcileEnabled,
		ReconcileInterval: c.ReconcileInterval,
		ToleranceMS:       c.ToleranceMS,
		HistoryLimit:      c.HistoryLimit,
		EditBufferDir:     c.EditBufferDir,
	}
}

// NewUserID mints a stable id for a session that has no identity provider.
func NewUserID() string {
	return uuid.NewString()
}

type Session struct {
	cfg     Config
	log     *zap.Logger
	durable boardstore.Store
	buffer  *editbuffer.Buffer

	Store     *canvas.Store
	Sync      *boardsync.Layer
	Channels  *ephemeral.Channels
	History   *command.History
	reconcile *reconcile.Loop

	visible atomic.Bool

	mu          sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	gestures    map[string]gesture
}

// gesture is the pre-gesture state of a shape being dragged or transformed.
type gesture struct {
	from  shape.Shape
	patch shape.Patch
}

func New(cfg Config, durable boardstore.Store, kv ephemeral.KV, log *zap.Logger) (*Session, error) {
	if cfg.BoardID == "" || cfg.UserID == "" {
		return nil, ErrMissingIDs
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("board", cfg.BoardID), zap.String("user", cfg.UserID))

	var buf *editbuffer.Buffer
	if cfg.EditBufferDir != "" {
		b, err := editbuffer.Open(cfg.EditBufferDir, cfg.BoardID, cfg.UserID, log)
		if err != nil {
			return nil, err
		}
		buf = b
	}

	initial := canvas.NewState()
	if cfg.ToleranceMS > 0 {
		initial.ToleranceMS = cfg.ToleranceMS
	}
	store := canvas.NewStore(initial)

	layer := boardsync.New(store, durable, boardsync.Options{
		BoardID:  cfg.BoardID,
		UserID:   cfg.UserID,
		Throttle: cfg.UpdateThrottle,
		Clock:    clock.New(),
		Buffer:   buf,
		Logger:   log,
	})

	s := &Session{
		cfg:     cfg,
		log:     log,
		durable: durable,
		buffer:  buf,
		Store:   store,
		Sync:    layer,
		Channels: ephemeral.NewChannels(kv, store, ephemeral.Options{
			BoardID:       cfg.BoardID,
			UserID:        cfg.UserID,
			Name:          cfg.UserName,
			Color:         cfg.UserColor,
			CursorWindow:  cfg.CursorThrottle,
			GestureWindow: cfg.GestureThrottle,
			Logger:        log,
		}),
		History:  command.NewHistory(cfg.HistoryLimit),
		gestures: make(map[string]gesture),
	}
	s.reconcile = reconcile.New(store, durable, reconcile.Options{
		BoardID:  cfg.BoardID,
		UserID:   cfg.UserID,
		Interval: cfg.ReconcileInterval,
		Logger:   log,
		Visible:  s.visible.Load,
		InFlight: layer.InFlight,
	})
	s.visible.Store(true)
	return s, nil
}

func (s *Session) UserID() string { return s.cfg.UserID }

// Start loads the board, replays any interrupted drag, subscribes to the
// change stream and the ephemeral channels, and starts reconciliation.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrStarted
	}

	s.Store.Dispatch(canvas.SetLoading{Loading: true})
	recs, err := s.durable.List(ctx, s.cfg.BoardID)
	if err != nil {
		s.Store.Dispatch(canvas.SetLoading{Loading: false})
		return fmt.Errorf("load board %s: %w", s.cfg.BoardID, err)
	}
	shapes := make([]shape.Shape, 0, len(recs))
	for _, r := range recs {
		if !r.Deleted {
			shapes = append(shapes, r.Shape)
		}
	}
	s.Store.Dispatch(canvas.LoadShapes{Shapes: shapes})
	s.replay()

	runCtx, cancel := context.WithCancel(context.Background())
	unsubscribe, err := s.Sync.Subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}
	if err := s.Channels.Start(runCtx); err != nil {
		unsubscribe()
		cancel()
		return err
	}

	if s.cfg.ReconcileEnabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reconcile.Run(runCtx)
		}()
	}

	s.cancel = cancel
	s.unsubscribe = unsubscribe
	s.started = true
	s.log.Info("session started", zap.Int("shapes", len(shapes)))
	return nil
}

// Stop tears the session down. Pending writes are flushed and awaited until
// ctx ends. A clean stop empties the edit buffer.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.stopped = true

	s.cancel()
	s.wg.Wait()
	s.unsubscribe()

	err := multierr.Combine(
		s.Channels.Stop(ctx),
		s.Sync.Close(ctx),
	)
	if err == nil {
		err = s.buffer.Reset()
	}
	s.log.Info("session stopped", zap.Error(err))
	return err
}

// SetVisible marks the client as visibly active or hidden. Hidden clients do
// not reconcile and advertise themselves as away.
func (s *Session) SetVisible(visible bool) {
	if s.visible.Swap(visible) == visible {
		return
	}
	status := ephemeral.StatusOnline
	if !visible {
		status = ephemeral.StatusAway
	}
	s.Channels.SetStatus(status)
}

// Reconcile runs one reconciliation pass now.
func (s *Session) Reconcile(ctx context.Context) (reconcile.Outcome, error) {
	return s.reconcile.Tick(ctx)
}

func (s *Session) Notices() <-chan boardsync.Notice {
	return s.Sync.Notices()
}

func (s *Session) Execute(ctx context.Context, cmd command.Command) error {
	return s.History.Execute(ctx, cmd)
}

func (s *Session) Undo(ctx context.Context) error { return s.History.Undo(ctx) }

func (s *Session) Redo(ctx context.Context) error { return s.History.Redo(ctx) }

// BeginGesture records the shape's state before a drag or transform.
func (s *Session) BeginGesture(id string) error {
	sh, ok := s.Store.State().Shape(id)
	if !ok {
		return fmt.Errorf("%w: %s", command.ErrShapeNotFound, id)
	}
	s.mu.Lock()
	s.gestures[id] = gesture{from: sh}
	s.mu.Unlock()
	return nil
}

// DragTo moves the shape locally, throttles the durable write and broadcasts
// the drag to other users.
func (s *Session) DragTo(id string, x, y float64) {
	s.track(id, shape.At(x, y))
	s.Sync.UpdateShape(id, shape.At(x, y))
	s.Channels.Drag(id, x, y)
}

// TransformTo applies a resize or rotation locally and broadcasts it.
func (s *Session) TransformTo(id string, patch shape.Patch, scaleX, scaleY float64) {
	s.track(id, patch)
	s.Sync.UpdateShape(id, patch)
	if sh, ok := s.Store.State().Shape(id); ok {
		s.Channels.Transform(id, sh.Props.X, sh.Props.Y, scaleX, scaleY, sh.Props.Rotation)
	}
}

// EndGesture clears the broadcast record and records the whole gesture as
// one undoable command.
func (s *Session) EndGesture(ctx context.Context, id string) error {
	s.mu.Lock()
	g, ok := s.gestures[id]
	delete(s.gestures, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGesture, id)
	}

	err := multierr.Combine(s.Channels.EndDrag(ctx), s.Channels.EndTransform(ctx))
	if err != nil {
		s.log.Warn("clearing gesture broadcast failed", zap.Error(err))
	}
	if g.patch.IsEmpty() {
		return nil
	}

	var cmd command.Command
	if g.patch.Width == nil && g.patch.Height == nil && g.patch.Radius == nil && g.patch.Rotation == nil && g.patch.FontSize == nil {
		x, y := g.from.Position()
		cur, ok := s.Store.State().Shape(id)
		if !ok {
			return fmt.Errorf("%w: %s", command.ErrShapeNotFound, id)
		}
		cmd = command.NewMoveFrom(s.Sync, id, canvas.Point{X: x, Y: y}, canvas.Point{X: cur.Props.X, Y: cur.Props.Y})
	} else {
		cmd = command.NewUpdateFrom(s.Sync, id, g.from.Props.Capture(g.patch), g.patch)
	}
	return s.History.Execute(ctx, cmd)
}

func (s *Session) track(id string, patch shape.Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gestures[id]; ok {
		g.patch = g.patch.Merge(patch)
		s.gestures[id] = g
	}
}

// replay re-applies drag positions that never reached the store before the
// previous session ended.
func (s *Session) replay() {
	entries := s.buffer.Take()
	if len(entries) == 0 {
		return
	}
	st := s.Store.State()
	replayed := 0
	for id, e := range entries {
		if _, ok := st.Shape(id); !ok {
			continue
		}
		s.Sync.CommitShape(id, shape.At(e.X, e.Y))
		replayed++
	}
	s.log.Info("replayed edit buffer", zap.Int("entries", replayed))
}
