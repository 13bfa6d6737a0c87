package command

import (
	"context"
	"fmt"

	"github.com/DoyleJ11/collab-board/internal/canvas"
	"github.com/DoyleJ11/collab-board/internal/shape"
)

type zChange struct {
	id            string
	before, after int
}

// Reorder changes stacking order. The new zIndex values are computed from
// the board at Execute time, so redo works against the current board.
type Reorder struct {
	shapes  Shapes
	id      string
	plan    func(st canvas.State, id string) []zChange
	applied []zChange
}

// NewBringToFront puts the shape above every other shape.
func NewBringToFront(s Shapes, id string) *Reorder {
	return &Reorder{shapes: s, id: id, plan: toFront}
}

// NewSendToBack puts the shape below every other shape.
func NewSendToBack(s Shapes, id string) *Reorder {
	return &Reorder{shapes: s, id: id, plan: toBack}
}

// NewBringForward swaps the shape with the one directly above it.
func NewBringForward(s Shapes, id string) *Reorder {
	return &Reorder{shapes: s, id: id, plan: func(st canvas.State, id string) []zChange { return swap(st, id, 1) }}
}

// NewSendBackward swaps the shape with the one directly below it.
func NewSendBackward(s Shapes, id string) *Reorder {
	return &Reorder{shapes: s, id: id, plan: func(st canvas.State, id string) []zChange { return swap(st, id, -1) }}
}

func (r *Reorder) Execute(ctx context.Context) error {
	st := r.shapes.State()
	if _, ok := st.Shape(r.id); !ok {
		return fmt.Errorf("%w: %s", ErrShapeNotFound, r.id)
	}
	changes := r.plan(st, r.id)

	var done []zChange
	for _, c := range changes {
		if err := commit(ctx, r.shapes, c.id, shape.Z(c.after)); err != nil {
			r.revert(ctx, done)
			return err
		}
		done = append(done, c)
	}
	r.applied = done
	return nil
}

func (r *Reorder) Undo(ctx context.Context) error {
	for i := len(r.applied) - 1; i >= 0; i-- {
		c := r.applied[i]
		if err := commit(ctx, r.shapes, c.id, shape.Z(c.before)); err != nil {
			return err
		}
	}
	r.applied = nil
	return nil
}

func (r *Reorder) revert(ctx context.Context, done []zChange) {
	for i := len(done) - 1; i >= 0; i-- {
		_ = commit(ctx, r.shapes, done[i].id, shape.Z(done[i].before))
	}
}

func toFront(st canvas.State, id string) []zChange {
	cur := st.Shapes[id].Props.ZIndex
	for oid, sh := range st.Shapes {
		if oid != id && sh.Props.ZIndex >= cur {
			_, hi, _ := st.ZRange()
			return []zChange{{id: id, before: cur, after: hi + 1}}
		}
	}
	return nil
}

func toBack(st canvas.State, id string) []zChange {
	cur := st.Shapes[id].Props.ZIndex
	for oid, sh := range st.Shapes {
		if oid != id && sh.Props.ZIndex <= cur {
			lo, _, _ := st.ZRange()
			return []zChange{{id: id, before: cur, after: lo - 1}}
		}
	}
	return nil
}

// swap exchanges zIndex with the neighbor dir steps away in stacking order.
// Neighbors sharing the same zIndex are separated by one instead.
func swap(st canvas.State, id string, dir int) []zChange {
	ordered := st.Ordered()
	idx := -1
	for i, sh := range ordered {
		if sh.ID == id {
			idx = i
			break
		}
	}
	n := idx + dir
	if idx < 0 || n < 0 || n >= len(ordered) {
		return nil
	}

	self, other := ordered[idx], ordered[n]
	if self.Props.ZIndex == other.Props.ZIndex {
		return []zChange{{id: id, before: self.Props.ZIndex, after: other.Props.ZIndex + dir}}
	}
	return []zChange{
		{id: id, before: self.Props.ZIndex, after: other.Props.ZIndex},
		{id: other.ID, before: other.Props.ZIndex, after: self.Props.ZIndex},
	}
}
