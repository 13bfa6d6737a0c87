package canvas

import "github.com/DoyleJ11/collab-board/internal/shape"

type Action interface{ isAction() }

// LoadShapes installs the initial shape set and clears the loading flag.
type LoadShapes struct{ Shapes []shape.Shape }

type SetLoading struct{ Loading bool }

type AddShape struct{ Shape shape.Shape }

type AddShapes struct{ Shapes []shape.Shape }

// UpdateShape applies a patch to an existing shape. Zero UpdatedAt or empty
// UpdatedBy leave the shape's attribution untouched.
type UpdateShape struct {
	ID        string
	Patch     shape.Patch
	UpdatedBy string
	UpdatedAt int64
}

type DeleteShape struct{ ID string }

type DeleteShapes struct{ IDs []string }

// ApplyServerChange merges a record that arrived on the change stream using
// last-write-wins with tolerance.
type ApplyServerChange struct{ Shape shape.Shape }

// ReplaceShapes overwrites the whole shape collection.
type ReplaceShapes struct{ Shapes []shape.Shape }

type SetSelection struct{ IDs []string }

type SetTool struct{ Tool Tool }

type SetView struct {
	Scale    float64
	Position Point
}

type SetStageSize struct{ Size Size }

type SetRemoteCursor struct{ Cursor RemoteCursor }

type RemoveRemoteCursor struct{ UID string }

type UpsertOnlineUser struct{ User OnlineUser }

type RemoveOnlineUser struct{ UID string }

type SetOnlineUsers struct{ Users []OnlineUser }

type SetTransient struct{ Pose Pose }

// ClearTransient drops the overlay of a shape. A non-empty UserID only clears
// an overlay owned by that user.
type ClearTransient struct {
	ShapeID string
	UserID  string
}

func (LoadShapes) isAction()         {}
func (SetLoading) isAction()         {}
func (AddShape) isAction()           {}
func (AddShapes) isAction()          {}
func (UpdateShape) isAction()        {}
func (DeleteShape) isAction()        {}
func (DeleteShapes) isAction()       {}
func (ApplyServerChange) isAction()  {}
func (ReplaceShapes) isAction()      {}
func (SetSelection) isAction()       {}
func (SetTool) isAction()            {}
func (SetView) isAction()            {}
func (SetStageSize) isAction()       {}
func (SetRemoteCursor) isAction()    {}
func (RemoveRemoteCursor) isAction() {}
func (UpsertOnlineUser) isAction()   {}
func (RemoveOnlineUser) isAction()   {}
func (SetOnlineUsers) isAction()     {}
func (SetTransient) isAction()       {}
func (ClearTransient) isAction()     {}
