package canvas

import (
	"github.com/DoyleJ11/collab-board/internal/shape"
)

// Reduce returns the state that results from applying a to s. It never
// mutates s: every collection it touches is copied first. Unknown actions and
// actions that target missing shapes return s unchanged.
func Reduce(s State, a Action) State {
	next := s

	switch act := a.(type) {
	case LoadShapes:
		next.Shapes = index(act.Shapes)
		next.SelectedIDs = pruneSelection(s.SelectedIDs, next.Shapes)
		next.LoadingShapes = false
		return next

	case SetLoading:
		next.LoadingShapes = act.Loading
		return next

	case AddShape:
		next.Shapes = clone(s.Shapes)
		next.Shapes[act.Shape.ID] = act.Shape
		return next

	case AddShapes:
		if len(act.Shapes) == 0 {
			return s
		}
		next.Shapes = clone(s.Shapes)
		for _, sh := range act.Shapes {
			next.Shapes[sh.ID] = sh
		}
		return next

	case UpdateShape:
		cur, ok := s.Shapes[act.ID]
		if !ok {
			return s
		}
		cur.Props = cur.Props.Apply(act.Patch)
		if act.UpdatedAt != 0 {
			cur.UpdatedAt = act.UpdatedAt
		}
		if act.UpdatedBy != "" {
			cur.UpdatedBy = act.UpdatedBy
		}
		next.Shapes = clone(s.Shapes)
		next.Shapes[act.ID] = cur
		return next

	case DeleteShape:
		return removeShapes(s, act.ID)

	case DeleteShapes:
		return removeShapes(s, act.IDs...)

	case ApplyServerChange:
		in := act.Shape
		if cur, ok := s.Shapes[in.ID]; ok && !IsNewer(in, cur, s.Tolerance()) {
			return s
		}
		next.Shapes = clone(s.Shapes)
		next.Shapes[in.ID] = in
		return next

	case ReplaceShapes:
		next.Shapes = index(act.Shapes)
		next.SelectedIDs = pruneSelection(s.SelectedIDs, next.Shapes)
		return next

	case SetSelection:
		next.SelectedIDs = make(map[string]struct{}, len(act.IDs))
		for _, id := range act.IDs {
			if _, ok := s.Shapes[id]; ok {
				next.SelectedIDs[id] = struct{}{}
			}
		}
		return next

	case SetTool:
		next.CurrentTool = act.Tool
		return next

	case SetView:
		if act.Scale > 0 {
			next.Scale = act.Scale
		}
		next.Position = act.Position
		return next

	case SetStageSize:
		next.StageSize = act.Size
		return next

	case SetRemoteCursor:
		next.RemoteCursors = clone(s.RemoteCursors)
		next.RemoteCursors[act.Cursor.UID] = act.Cursor
		return next

	case RemoveRemoteCursor:
		if _, ok := s.RemoteCursors[act.UID]; !ok {
			return s
		}
		next.RemoteCursors = clone(s.RemoteCursors)
		delete(next.RemoteCursors, act.UID)
		return next

	case UpsertOnlineUser:
		next.OnlineUsers = clone(s.OnlineUsers)
		next.OnlineUsers[act.User.UID] = act.User
		return next

	case RemoveOnlineUser:
		if _, ok := s.OnlineUsers[act.UID]; !ok {
			return s
		}
		next.OnlineUsers = clone(s.OnlineUsers)
		delete(next.OnlineUsers, act.UID)
		return next

	case SetOnlineUsers:
		next.OnlineUsers = make(map[string]OnlineUser, len(act.Users))
		for _, u := range act.Users {
			next.OnlineUsers[u.UID] = u
		}
		return next

	case SetTransient:
		if _, ok := s.Shapes[act.Pose.ShapeID]; !ok {
			return s
		}
		next.Transient = clone(s.Transient)
		next.Transient[act.Pose.ShapeID] = act.Pose
		return next

	case ClearTransient:
		cur, ok := s.Transient[act.ShapeID]
		if !ok || (act.UserID != "" && cur.UserID != act.UserID) {
			return s
		}
		next.Transient = clone(s.Transient)
		delete(next.Transient, act.ShapeID)
		return next

	default:
		return s
	}
}

// IsNewer reports whether incoming should replace local: it must be newer by
// more than the tolerance window.
func IsNewer(incoming, local shape.Shape, toleranceMS int64) bool {
	return incoming.UpdatedAt > local.UpdatedAt+toleranceMS
}

func (s State) Tolerance() int64 {
	if s.ToleranceMS < 0 {
		return 0
	}
	return s.ToleranceMS
}

func removeShapes(s State, ids ...string) State {
	hit := false
	for _, id := range ids {
		if _, ok := s.Shapes[id]; ok {
			hit = true
			break
		}
	}
	if !hit {
		return s
	}

	next := s
	next.Shapes = clone(s.Shapes)
	next.SelectedIDs = clone(s.SelectedIDs)
	next.Transient = clone(s.Transient)
	for _, id := range ids {
		delete(next.Shapes, id)
		delete(next.SelectedIDs, id)
		delete(next.Transient, id)
	}
	return next
}

func index(shapes []shape.Shape) map[string]shape.Shape {
	out := make(map[string]shape.Shape, len(shapes))
	for _, sh := range shapes {
		out[sh.ID] = sh
	}
	return out
}

func pruneSelection(sel map[string]struct{}, shapes map[string]shape.Shape) map[string]struct{} {
	out := make(map[string]struct{}, len(sel))
	for id := range sel {
		if _, ok := shapes[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func clone[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
