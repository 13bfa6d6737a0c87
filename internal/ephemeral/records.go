package ephemeral

const (
	StatusOnline = "online"
	StatusAway   = "away"
)

type Presence struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	Status     string `json:"status"`
	LastActive int64  `json:"lastActive"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type Cursor struct {
	UID   string  `json:"uid"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Scale float64 `json:"scale"`
	Name  string  `json:"name"`
	Color string  `json:"color"`
}

type Drag struct {
	ShapeID   string  `json:"shapeId"`
	UserID    string  `json:"userId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

type Transform struct {
	ShapeID   string  `json:"shapeId"`
	UserID    string  `json:"userId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ScaleX    float64 `json:"scaleX"`
	ScaleY    float64 `json:"scaleY"`
	Rotation  float64 `json:"rotation"`
	Timestamp int64   `json:"timestamp"`
}
