package shape

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidShape = errors.New("invalid shape")

type Type string

const (
	TypeRect     Type = "rect"
	TypeCircle   Type = "circle"
	TypeText     Type = "text"
	TypeTriangle Type = "triangle"
)

func (t Type) Valid() bool {
	switch t {
	case TypeRect, TypeCircle, TypeText, TypeTriangle:
		return true
	}
	return false
}

// Props is the persisted property bag of a shape. Geometry fields that do not
// apply to a shape's type stay zero.
type Props struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width,omitempty"`
	Height      float64 `json:"height,omitempty"`
	Radius      float64 `json:"radius,omitempty"`
	Text        string  `json:"text,omitempty"`
	FontSize    float64 `json:"fontSize,omitempty"`
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
	Rotation    float64 `json:"rotation"`
	ZIndex      int     `json:"zIndex"`
	Draggable   bool    `json:"draggable"`
}

// Shape is a board object as held by a client. Timestamps are logical
// milliseconds.
type Shape struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	Props     Props  `json:"props"`
	CreatedBy string `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedBy string `json:"updatedBy"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (s Shape) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidShape)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidShape, s.Type)
	}
	return nil
}

// Position returns the shape's anchor point.
func (s Shape) Position() (float64, float64) {
	return s.Props.X, s.Props.Y
}
