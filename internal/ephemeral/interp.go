package ephemeral

import (
	"math"
	"time"
)

const (
	DefaultInterpolationWindow = 100 * time.Millisecond
	DefaultTeleportDistance    = 400.0
)

// Interpolator smooths a remote cursor between its last two samples. A jump
// longer than the teleport distance snaps instead of sliding across the board.
// It is not safe for concurrent use.
type Interpolator struct {
	window   time.Duration
	teleport float64

	fromX, fromY float64
	toX, toY     float64
	at           time.Time
	has          bool
}

func NewInterpolator(window time.Duration, teleport float64) *Interpolator {
	if window <= 0 {
		window = DefaultInterpolationWindow
	}
	if teleport <= 0 {
		teleport = DefaultTeleportDistance
	}
	return &Interpolator{window: window, teleport: teleport}
}

// Push records a sample received at the given time.
func (i *Interpolator) Push(x, y float64, at time.Time) {
	if !i.has {
		i.fromX, i.fromY, i.toX, i.toY = x, y, x, y
		i.at, i.has = at, true
		return
	}
	i.fromX, i.fromY = i.toX, i.toY
	i.toX, i.toY = x, y
	i.at = at
	if math.Hypot(x-i.fromX, y-i.fromY) > i.teleport {
		i.fromX, i.fromY = x, y
	}
}

// At returns the rendered position at now.
func (i *Interpolator) At(now time.Time) (x, y float64, ok bool) {
	if !i.has {
		return 0, 0, false
	}
	t := float64(now.Sub(i.at)) / float64(i.window)
	t = math.Max(0, math.Min(1, t))
	return i.fromX + (i.toX-i.fromX)*t, i.fromY + (i.toY-i.fromY)*t, true
}
