package ephemeral

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/collab-board/internal/canvas"
)

const DefaultCursorWindow = 50 * time.Millisecond

type Options struct {
	BoardID string
	UserID  string
	Name    string
	Color   string
	// CursorWindow throttles cursor and presence writes.
	CursorWindow time.Duration
	// GestureWindow throttles drag and transform writes.
	GestureWindow time.Duration
	Logger        *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Channels publishes this user's presence, cursor, drag and transform records
// and mirrors everyone else's into the Store.
type Channels struct {
	kv    KV
	store *canvas.Store
	opts  Options
	log   *zap.Logger

	presence  *Publisher[Presence]
	cursor    *Publisher[Cursor]
	drag      *Publisher[Drag]
	transform *Publisher[Transform]

	mu      sync.Mutex
	stops   []func()
	poses   map[canvas.PoseKind]map[string]string
	cursors map[string]*Interpolator
	wg      sync.WaitGroup
}

func NewChannels(kv KV, store *canvas.Store, opts Options) *Channels {
	if opts.CursorWindow <= 0 {
		opts.CursorWindow = DefaultCursorWindow
	}
	if opts.GestureWindow <= 0 {
		opts.GestureWindow = DefaultCursorWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With(zap.String("board", opts.BoardID))
	return &Channels{
		kv:        kv,
		store:     store,
		opts:      opts,
		log:       log,
		presence:  NewPublisher[Presence](kv, Key(opts.BoardID, ChannelPresence, opts.UserID), opts.CursorWindow, log),
		cursor:    NewPublisher[Cursor](kv, Key(opts.BoardID, ChannelCursor, opts.UserID), opts.CursorWindow, log),
		drag:      NewPublisher[Drag](kv, Key(opts.BoardID, ChannelDrag, opts.UserID), opts.GestureWindow, log),
		transform: NewPublisher[Transform](kv, Key(opts.BoardID, ChannelTransform, opts.UserID), opts.GestureWindow, log),
		poses: map[canvas.PoseKind]map[string]string{
			canvas.PoseDrag:      {},
			canvas.PoseTransform: {},
		},
		cursors: make(map[string]*Interpolator),
	}
}

// Start registers the disconnect hooks, subscribes to the four channels and
// announces this user as online.
func (c *Channels) Start(ctx context.Context) error {
	if err := c.start(ctx); err != nil {
		// Undo the publishers and watchers that did start.
		return multierr.Append(err, c.Stop(ctx))
	}
	c.SetStatus(StatusOnline)
	c.presence.Flush()
	return nil
}

func (c *Channels) start(ctx context.Context) error {
	for _, start := range []func(context.Context) error{
		c.presence.Start, c.cursor.Start, c.drag.Start, c.transform.Start,
	} {
		if err := start(ctx); err != nil {
			return err
		}
	}

	if err := follow(c, ctx, ChannelPresence, c.applyPresence); err != nil {
		return err
	}
	if err := follow(c, ctx, ChannelCursor, c.applyCursor); err != nil {
		return err
	}
	if err := follow(c, ctx, ChannelDrag, func(u Update[Drag]) {
		c.applyPose(canvas.PoseDrag, u.UserID, u.Removed, canvas.Pose{
			ShapeID: u.Value.ShapeID, X: u.Value.X, Y: u.Value.Y, Timestamp: u.Value.Timestamp,
		})
	}); err != nil {
		return err
	}
	return follow(c, ctx, ChannelTransform, func(u Update[Transform]) {
		v := u.Value
		c.applyPose(canvas.PoseTransform, u.UserID, u.Removed, canvas.Pose{
			ShapeID: v.ShapeID, X: v.X, Y: v.Y, ScaleX: v.ScaleX, ScaleY: v.ScaleY, Rotation: v.Rotation, Timestamp: v.Timestamp,
		})
	})
}

// Stop unsubscribes and removes this user's records. Each record is removed
// exactly once: the disconnect hooks are cancelled before the explicit
// removal.
func (c *Channels) Stop(ctx context.Context) error {
	c.mu.Lock()
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	c.wg.Wait()

	return multierr.Combine(
		c.cursor.Stop(ctx),
		c.drag.Stop(ctx),
		c.transform.Stop(ctx),
		c.presence.Stop(ctx),
	)
}

func (c *Channels) SetStatus(status string) {
	now := c.opts.Now().UnixMilli()
	c.presence.Publish(Presence{
		UID:        c.opts.UserID,
		Name:       c.opts.Name,
		Color:      c.opts.Color,
		Status:     status,
		LastActive: now,
		UpdatedAt:  now,
	})
}

func (c *Channels) MoveCursor(x, y, scale float64) {
	c.cursor.Publish(Cursor{
		UID:   c.opts.UserID,
		X:     x,
		Y:     y,
		Scale: scale,
		Name:  c.opts.Name,
		Color: c.opts.Color,
	})
}

func (c *Channels) Drag(shapeID string, x, y float64) {
	c.drag.Publish(Drag{
		ShapeID:   shapeID,
		UserID:    c.opts.UserID,
		X:         x,
		Y:         y,
		Timestamp: c.opts.Now().UnixMilli(),
	})
}

// EndDrag drops any unsent sample and removes the drag record.
func (c *Channels) EndDrag(ctx context.Context) error {
	return c.drag.Clear(ctx)
}

func (c *Channels) Transform(shapeID string, x, y, scaleX, scaleY, rotation float64) {
	c.transform.Publish(Transform{
		ShapeID:   shapeID,
		UserID:    c.opts.UserID,
		X:         x,
		Y:         y,
		ScaleX:    scaleX,
		ScaleY:    scaleY,
		Rotation:  rotation,
		Timestamp: c.opts.Now().UnixMilli(),
	})
}

func (c *Channels) EndTransform(ctx context.Context) error {
	return c.transform.Clear(ctx)
}

// CursorPosition returns the smoothed position of a remote user's cursor.
func (c *Channels) CursorPosition(userID string, now time.Time) (x, y float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, found := c.cursors[userID]
	if !found {
		return 0, 0, false
	}
	return in.At(now)
}

func follow[T any](c *Channels, ctx context.Context, ch Channel, apply func(Update[T])) error {
	updates, stop, err := Watch[T](ctx, c.kv, c.opts.BoardID, ch, c.log)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ch, err)
	}
	c.mu.Lock()
	c.stops = append(c.stops, stop)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for u := range updates {
			if u.UserID == c.opts.UserID {
				continue
			}
			apply(u)
		}
	}()
	return nil
}

func (c *Channels) applyPresence(u Update[Presence]) {
	if u.Removed {
		c.store.Dispatch(canvas.RemoveOnlineUser{UID: u.UserID})
		return
	}
	c.store.Dispatch(canvas.UpsertOnlineUser{User: canvas.OnlineUser{
		UID:        u.UserID,
		Name:       u.Value.Name,
		Color:      u.Value.Color,
		Status:     u.Value.Status,
		LastActive: u.Value.LastActive,
	}})
}

func (c *Channels) applyCursor(u Update[Cursor]) {
	if u.Removed {
		c.mu.Lock()
		delete(c.cursors, u.UserID)
		c.mu.Unlock()
		c.store.Dispatch(canvas.RemoveRemoteCursor{UID: u.UserID})
		return
	}

	c.mu.Lock()
	in, ok := c.cursors[u.UserID]
	if !ok {
		in = NewInterpolator(DefaultInterpolationWindow, DefaultTeleportDistance)
		c.cursors[u.UserID] = in
	}
	in.Push(u.Value.X, u.Value.Y, c.opts.Now())
	c.mu.Unlock()

	c.store.Dispatch(canvas.SetRemoteCursor{Cursor: canvas.RemoteCursor{
		UID:   u.UserID,
		X:     u.Value.X,
		Y:     u.Value.Y,
		Scale: u.Value.Scale,
		Name:  u.Value.Name,
		Color: u.Value.Color,
	}})
}

func (c *Channels) applyPose(kind canvas.PoseKind, userID string, removed bool, pose canvas.Pose) {
	c.mu.Lock()
	prev := c.poses[kind][userID]
	if removed {
		delete(c.poses[kind], userID)
	} else {
		c.poses[kind][userID] = pose.ShapeID
	}
	c.mu.Unlock()

	if prev != "" && (removed || prev != pose.ShapeID) {
		c.store.Dispatch(canvas.ClearTransient{ShapeID: prev, UserID: userID})
	}
	if removed {
		return
	}
	pose.Kind = kind
	pose.UserID = userID
	c.store.Dispatch(canvas.SetTransient{Pose: pose})
}
