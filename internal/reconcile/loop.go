// Package reconcile periodically compares the local shape collection with the
// durable store and overwrites it when they have drifted apart. Only the
// elected leader among the online users reconciles.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/canvas"
	"github.com/DoyleJ11/collab-board/internal/shape"
)

const (
	DefaultInterval = 10 * time.Second

	fetchTimeout = 5 * time.Second
)

type Outcome string

const (
	OutcomeNotLeader Outcome = "not_leader"
	OutcomeHidden    Outcome = "hidden"
	OutcomeBusy      Outcome = "busy"
	OutcomeFailed    Outcome = "failed"
	OutcomeInSync    Outcome = "in_sync"
	OutcomeResynced  Outcome = "resynced"
)

// Source is the read side of the durable store.
type Source interface {
	List(ctx context.Context, boardID string) ([]boardstore.Record, error)
}

type Options struct {
	BoardID  string
	UserID   string
	Interval time.Duration
	Logger   *zap.Logger
	// Visible reports whether the client is visibly active. Nil means always.
	Visible func() bool
	// InFlight reports unresolved local writes. Ticks are skipped while it is
	// non-zero so a full overwrite cannot undo an edit that is still on its
	// way to the store.
	InFlight func() int
}

type Loop struct {
	store *canvas.Store
	src   Source
	opts  Options
	log   *zap.Logger
}

func New(store *canvas.Store, src Source, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Loop{
		store: store,
		src:   src,
		opts:  opts,
		log:   opts.Logger.With(zap.String("board", opts.BoardID)),
	}
}

// ElectLeader returns the smallest id among the online users and self.
func ElectLeader(self string, online []string) string {
	leader := self
	for _, id := range online {
		if id != "" && (leader == "" || id < leader) {
			leader = id
		}
	}
	return leader
}

// Run ticks until ctx ends.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = l.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass.
func (l *Loop) Tick(ctx context.Context) (Outcome, error) {
	st := l.store.State()

	if leader := ElectLeader(l.opts.UserID, st.OnlineIDs()); leader != l.opts.UserID {
		return OutcomeNotLeader, nil
	}
	if l.opts.Visible != nil && !l.opts.Visible() {
		return OutcomeHidden, nil
	}
	if l.opts.InFlight != nil && l.opts.InFlight() > 0 {
		return OutcomeBusy, nil
	}

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	recs, err := l.src.List(fctx, l.opts.BoardID)
	cancel()
	if err != nil {
		l.log.Warn("reconcile fetch failed, retrying next tick", zap.Error(err))
		return OutcomeFailed, fmt.Errorf("list board %s: %w", l.opts.BoardID, err)
	}

	remote := make([]shape.Shape, 0, len(recs))
	for _, r := range recs {
		if !r.Deleted {
			remote = append(remote, r.Shape)
		}
	}

	// Re-read: the fetch may have taken a while.
	st = l.store.State()
	diff := Compare(st.Shapes, remote, st.Tolerance())
	if diff.InSync() {
		return OutcomeInSync, nil
	}

	l.store.Dispatch(canvas.ReplaceShapes{Shapes: remote})
	l.log.Info("local shapes overwritten from store",
		zap.Strings("missing_locally", diff.MissingLocally),
		zap.Strings("missing_remotely", diff.MissingRemotely),
		zap.Strings("stale", diff.Stale),
	)
	return OutcomeResynced, nil
}

// Diff lists the shape ids on which local and remote disagree.
type Diff struct {
	MissingLocally  []string
	MissingRemotely []string
	Stale           []string
}

func (d Diff) InSync() bool {
	return len(d.MissingLocally) == 0 && len(d.MissingRemotely) == 0 && len(d.Stale) == 0
}

// Compare flags remote shapes absent locally, local shapes absent remotely,
// and remote shapes newer than the local copy by more than the tolerance.
func Compare(local map[string]shape.Shape, remote []shape.Shape, toleranceMS int64) Diff {
	var d Diff
	seen := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		seen[r.ID] = struct{}{}
		l, ok := local[r.ID]
		switch {
		case !ok:
			d.MissingLocally = append(d.MissingLocally, r.ID)
		case canvas.IsNewer(r, l, toleranceMS):
			d.Stale = append(d.Stale, r.ID)
		}
	}
	for id := range local {
		if _, ok := seen[id]; !ok {
			d.MissingRemotely = append(d.MissingRemotely, id)
		}
	}
	sort.Strings(d.MissingLocally)
	sort.Strings(d.MissingRemotely)
	sort.Strings(d.Stale)
	return d
}
