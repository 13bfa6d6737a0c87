// Package command implements undoable board edits. Every command goes through
// the sync layer and waits for the durable write, so Execute and Undo report
// persistence failures.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/DoyleJ11/collab-board/internal/boardsync"
	"github.com/DoyleJ11/collab-board/internal/canvas"
	"github.com/DoyleJ11/collab-board/internal/shape"
)

var ErrShapeNotFound = errors.New("shape not found")

// Shapes is the part of the sync layer commands use.
type Shapes interface {
	State() canvas.State
	AddShape(sh shape.Shape) *boardsync.Pending
	DeleteShape(id string) *boardsync.Pending
	CommitShape(id string, patch shape.Patch) *boardsync.Pending
}

type Command interface {
	Execute(ctx context.Context) error
	Undo(ctx context.Context) error
}

func lookup(s Shapes, id string) (shape.Shape, error) {
	sh, ok := s.State().Shape(id)
	if !ok {
		return shape.Shape{}, fmt.Errorf("%w: %s", ErrShapeNotFound, id)
	}
	return sh, nil
}

// Create adds a shape; undo deletes it again.
type Create struct {
	shapes Shapes
	shape  shape.Shape
}

// NewCreate assigns an id up front so redo recreates the same shape.
func NewCreate(s Shapes, sh shape.Shape) *Create {
	if sh.ID == "" {
		sh.ID = uuid.NewString()
	}
	return &Create{shapes: s, shape: sh}
}

func (c *Create) ShapeID() string { return c.shape.ID }

func (c *Create) Execute(ctx context.Context) error {
	if err := c.shapes.AddShape(c.shape).Wait(ctx); err != nil {
		return fmt.Errorf("create %s: %w", c.shape.ID, err)
	}
	if sh, ok := c.shapes.State().Shape(c.shape.ID); ok {
		// Keep the stamped creation time for redo.
		c.shape = sh
	}
	return nil
}

func (c *Create) Undo(ctx context.Context) error {
	if err := c.shapes.DeleteShape(c.shape.ID).Wait(ctx); err != nil {
		return fmt.Errorf("undo create %s: %w", c.shape.ID, err)
	}
	return nil
}

// Delete removes a shape; undo recreates it from the captured snapshot.
type Delete struct {
	shapes   Shapes
	snapshot shape.Shape
}

func NewDelete(s Shapes, id string) (*Delete, error) {
	sh, err := lookup(s, id)
	if err != nil {
		return nil, err
	}
	return &Delete{shapes: s, snapshot: sh}, nil
}

func (d *Delete) Execute(ctx context.Context) error {
	if sh, ok := d.shapes.State().Shape(d.snapshot.ID); ok {
		d.snapshot = sh
	}
	if err := d.shapes.DeleteShape(d.snapshot.ID).Wait(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", d.snapshot.ID, err)
	}
	return nil
}

func (d *Delete) Undo(ctx context.Context) error {
	if err := d.shapes.AddShape(d.snapshot).Wait(ctx); err != nil {
		return fmt.Errorf("undo delete %s: %w", d.snapshot.ID, err)
	}
	return nil
}

// Move sets a shape's position.
type Move struct {
	shapes   Shapes
	id       string
	from, to canvas.Point
}

// NewMove moves a shape from its current position to to.
func NewMove(s Shapes, id string, to canvas.Point) (*Move, error) {
	sh, err := lookup(s, id)
	if err != nil {
		return nil, err
	}
	return NewMoveFrom(s, id, canvas.Point{X: sh.Props.X, Y: sh.Props.Y}, to), nil
}

// NewMoveFrom records a move whose start position is already known, such as
// a finished drag whose end position is already in the Store.
func NewMoveFrom(s Shapes, id string, from, to canvas.Point) *Move {
	return &Move{shapes: s, id: id, from: from, to: to}
}

func (m *Move) Execute(ctx context.Context) error {
	return commit(ctx, m.shapes, m.id, shape.At(m.to.X, m.to.Y))
}

func (m *Move) Undo(ctx context.Context) error {
	return commit(ctx, m.shapes, m.id, shape.At(m.from.X, m.from.Y))
}

// Update applies a property patch. Only the properties set in the patch are
// captured and restored.
type Update struct {
	shapes        Shapes
	id            string
	before, after shape.Patch
}

func NewUpdate(s Shapes, id string, patch shape.Patch) (*Update, error) {
	sh, err := lookup(s, id)
	if err != nil {
		return nil, err
	}
	return &Update{shapes: s, id: id, before: sh.Props.Capture(patch), after: patch}, nil
}

// NewUpdateFrom records an update whose prior values were captured by the
// caller, for example at the start of a transform gesture.
func NewUpdateFrom(s Shapes, id string, before, after shape.Patch) *Update {
	return &Update{shapes: s, id: id, before: before, after: after}
}

func (u *Update) Execute(ctx context.Context) error {
	return commit(ctx, u.shapes, u.id, u.after)
}

func (u *Update) Undo(ctx context.Context) error {
	return commit(ctx, u.shapes, u.id, u.before)
}

func commit(ctx context.Context, s Shapes, id string, patch shape.Patch) error {
	if patch.IsEmpty() {
		return nil
	}
	if err := s.CommitShape(id, patch).Wait(ctx); err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	return nil
}
