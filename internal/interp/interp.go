// Package interp smooths discrete position samples into continuous marker
// motion. Raw fixes arrive seconds apart; snapping a map marker to each one
// looks jumpy, so the displayed position eases toward the latest sample.
package interp

import (
	"time"

	"github.com/example/campus-transit/internal/models"
)

const DefaultWindow = 5 * time.Second

// Interpolator tracks one marker. Not safe for concurrent use; drive it from
// a single render loop.
type Interpolator struct {
	window      time.Duration
	start       models.Coord
	target      models.Coord
	startedAt   time.Time
	initialized bool
}

func New(window time.Duration) *Interpolator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Interpolator{window: window}
}

// Retarget points the marker at a newly received sample. The first sample
// snaps; later samples ease from the *current interpolated* position, so a
// sample arriving mid-flight never causes a visual jump back to the old
// starting point.
func (i *Interpolator) Retarget(p models.Coord, now time.Time) {
	if !i.initialized {
		i.start = p
		i.target = p
		i.startedAt = now.Add(-i.window) // already settled
		i.initialized = true
		return
	}
	i.start = i.At(now)
	i.target = p
	i.startedAt = now
}

// At returns the displayed position for the given frame time. Past the
// easing window it holds the target until the next sample.
func (i *Interpolator) At(now time.Time) models.Coord {
	if !i.initialized {
		return models.Coord{}
	}
	progress := float64(now.Sub(i.startedAt)) / float64(i.window)
	if progress >= 1 {
		return i.target
	}
	if progress < 0 {
		progress = 0
	}
	eased := 1 - (1-progress)*(1-progress)
	return models.Coord{
		Lat: i.start.Lat + (i.target.Lat-i.start.Lat)*eased,
		Lng: i.start.Lng + (i.target.Lng-i.start.Lng)*eased,
	}
}

// Settled reports whether the marker has reached its target.
func (i *Interpolator) Settled(now time.Time) bool {
	return !i.initialized || now.Sub(i.startedAt) >= i.window
}
