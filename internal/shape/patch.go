package shape

// Patch is a partial property set. A nil field is undefined: it is neither
// applied locally nor sent to persistence.
type Patch struct {
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	Radius      *float64 `json:"radius,omitempty"`
	Text        *string  `json:"text,omitempty"`
	FontSize    *float64 `json:"fontSize,omitempty"`
	Fill        *string  `json:"fill,omitempty"`
	Stroke      *string  `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`
	Rotation    *float64 `json:"rotation,omitempty"`
	ZIndex      *int     `json:"zIndex,omitempty"`
	Draggable   *bool    `json:"draggable,omitempty"`
}

func Ptr[T any](v T) *T { return &v }

// At is the patch that moves a shape to (x, y).
func At(x, y float64) Patch {
	return Patch{X: Ptr(x), Y: Ptr(y)}
}

// Z is the patch that sets a shape's zIndex.
func Z(z int) Patch {
	return Patch{ZIndex: Ptr(z)}
}

func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// HasPosition reports whether the patch moves the shape.
func (p Patch) HasPosition() bool {
	return p.X != nil || p.Y != nil
}

// Merge returns p with every field set in later overriding p's value.
func (p Patch) Merge(later Patch) Patch {
	out := p
	mergeField(&out.X, later.X)
	mergeField(&out.Y, later.Y)
	mergeField(&out.Width, later.Width)
	mergeField(&out.Height, later.Height)
	mergeField(&out.Radius, later.Radius)
	mergeField(&out.Text, later.Text)
	mergeField(&out.FontSize, later.FontSize)
	mergeField(&out.Fill, later.Fill)
	mergeField(&out.Stroke, later.Stroke)
	mergeField(&out.StrokeWidth, later.StrokeWidth)
	mergeField(&out.Rotation, later.Rotation)
	mergeField(&out.ZIndex, later.ZIndex)
	mergeField(&out.Draggable, later.Draggable)
	return out
}

// Apply returns a copy of props with the patch applied.
func (props Props) Apply(p Patch) Props {
	out := props
	applyField(&out.X, p.X)
	applyField(&out.Y, p.Y)
	applyField(&out.Width, p.Width)
	applyField(&out.Height, p.Height)
	applyField(&out.Radius, p.Radius)
	applyField(&out.Text, p.Text)
	applyField(&out.FontSize, p.FontSize)
	applyField(&out.Fill, p.Fill)
	applyField(&out.Stroke, p.Stroke)
	applyField(&out.StrokeWidth, p.StrokeWidth)
	applyField(&out.Rotation, p.Rotation)
	applyField(&out.ZIndex, p.ZIndex)
	applyField(&out.Draggable, p.Draggable)
	return out
}

// Capture returns the current values of exactly the fields set in p, which is
// the patch that undoes applying p.
func (props Props) Capture(p Patch) Patch {
	var out Patch
	captureField(&out.X, p.X, props.X)
	captureField(&out.Y, p.Y, props.Y)
	captureField(&out.Width, p.Width, props.Width)
	captureField(&out.Height, p.Height, props.Height)
	captureField(&out.Radius, p.Radius, props.Radius)
	captureField(&out.Text, p.Text, props.Text)
	captureField(&out.FontSize, p.FontSize, props.FontSize)
	captureField(&out.Fill, p.Fill, props.Fill)
	captureField(&out.Stroke, p.Stroke, props.Stroke)
	captureField(&out.StrokeWidth, p.StrokeWidth, props.StrokeWidth)
	captureField(&out.Rotation, p.Rotation, props.Rotation)
	captureField(&out.ZIndex, p.ZIndex, props.ZIndex)
	captureField(&out.Draggable, p.Draggable, props.Draggable)
	return out
}

func mergeField[T any](dst **T, v *T) {
	if v != nil {
		*dst = Ptr(*v)
	}
}

func applyField[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func captureField[T any](dst **T, set *T, cur T) {
	if set != nil {
		*dst = Ptr(cur)
	}
}
