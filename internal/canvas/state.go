package canvas

import (
	"sort"

	"github.com/DoyleJ11/collab-board/internal/shape"
)

// DefaultToleranceMS is the grace period during which an incoming record that
// is newer than the local one is still discarded in favor of the local value.
const DefaultToleranceMS int64 = 100

type Tool string

const (
	ToolSelect   Tool = "select"
	ToolPan      Tool = "pan"
	ToolRect     Tool = "rect"
	ToolCircle   Tool = "circle"
	ToolText     Tool = "text"
	ToolTriangle Tool = "triangle"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type RemoteCursor struct {
	UID   string  `json:"uid"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
	Name  string  `json:"name"`
	Color string  `json:"color"`
}

type OnlineUser struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	Status     string `json:"status"`
	LastActive int64  `json:"lastActive"`
}

type PoseKind string

const (
	PoseDrag      PoseKind = "drag"
	PoseTransform PoseKind = "transform"
)

// Pose is a remote user's in-progress drag or transform of a shape. It is a
// visual overlay only and never reaches persistence.
type Pose struct {
	Kind      PoseKind `json:"kind"`
	ShapeID   string   `json:"shapeId"`
	UserID    string   `json:"userId"`
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	ScaleX    float64  `json:"scaleX,omitempty"`
	ScaleY    float64  `json:"scaleY,omitempty"`
	Rotation  float64  `json:"rotation,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// State is one client's snapshot of the board. Values handed out by the Store
// are shared and must be treated as read-only.
type State struct {
	Shapes        map[string]shape.Shape
	SelectedIDs   map[string]struct{}
	CurrentTool   Tool
	Scale         float64
	Position      Point
	StageSize     Size
	RemoteCursors map[string]RemoteCursor
	OnlineUsers   map[string]OnlineUser
	Transient     map[string]Pose
	LoadingShapes bool
	ToleranceMS   int64
}

func NewState() State {
	return State{
		Shapes:        map[string]shape.Shape{},
		SelectedIDs:   map[string]struct{}{},
		CurrentTool:   ToolSelect,
		Scale:         1,
		RemoteCursors: map[string]RemoteCursor{},
		OnlineUsers:   map[string]OnlineUser{},
		Transient:     map[string]Pose{},
		ToleranceMS:   DefaultToleranceMS,
	}
}

func (s State) Shape(id string) (shape.Shape, bool) {
	sh, ok := s.Shapes[id]
	return sh, ok
}

// Ordered returns the shapes sorted bottom to top. Ties on zIndex are broken
// by id so every client agrees on the order.
func (s State) Ordered() []shape.Shape {
	out := make([]shape.Shape, 0, len(s.Shapes))
	for _, sh := range s.Shapes {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Props.ZIndex != out[j].Props.ZIndex {
			return out[i].Props.ZIndex < out[j].Props.ZIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ZRange returns the lowest and highest zIndex on the board.
func (s State) ZRange() (lo, hi int, ok bool) {
	for _, sh := range s.Shapes {
		z := sh.Props.ZIndex
		if !ok {
			lo, hi, ok = z, z, true
			continue
		}
		lo = min(lo, z)
		hi = max(hi, z)
	}
	return lo, hi, ok
}

func (s State) Selected() []string {
	out := make([]string, 0, len(s.SelectedIDs))
	for id := range s.SelectedIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s State) OnlineIDs() []string {
	out := make([]string, 0, len(s.OnlineUsers))
	for id := range s.OnlineUsers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
