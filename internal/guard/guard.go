// Package guard rejects physically implausible or too-frequent position
// samples before they reach any store or subscriber.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/campus-transit/internal/geo"
)

type Outcome int

const (
	Accept Outcome = iota
	Throttled
	RejectedOverspeed
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Throttled:
		return "throttled"
	case RejectedOverspeed:
		return "rejected_overspeed"
	}
	return "unknown"
}

// Fix is the last accepted sample for a bus.
type Fix struct {
	Lat float64
	Lng float64
	At  time.Time
}

// FixStore holds one Fix per bus. CompareAndSwap must be atomic with respect
// to concurrent callers for the same bus; old == nil asserts no fix exists.
// The memory implementation is only correct for a single server instance;
// multi-instance deployments need the Redis store.
type FixStore interface {
	Load(ctx context.Context, busID string) (Fix, bool, error)
	CompareAndSwap(ctx context.Context, busID string, old *Fix, next Fix) (bool, error)
}

type Guard struct {
	Store       FixStore
	MinInterval time.Duration
	MaxSpeedKmh float64
	// WarnOnly downgrades overspeed from hard reject to log-and-accept.
	// Intended for early rollout while speed data is still being trusted.
	WarnOnly bool
	Logger   *slog.Logger
}

var ErrContended = errors.New("guard: fix store contention")

const casAttempts = 3

// Validate applies the min-interval throttle and the implied-speed check.
// Only Accept advances the stored fix.
func (g *Guard) Validate(ctx context.Context, busID string, lat, lng float64, observedAt time.Time) (Outcome, error) {
	next := Fix{Lat: lat, Lng: lng, At: observedAt}

	for i := 0; i < casAttempts; i++ {
		prev, ok, err := g.Store.Load(ctx, busID)
		if err != nil {
			return Throttled, err
		}

		if ok {
			elapsed := observedAt.Sub(prev.At)
			if elapsed < g.MinInterval {
				return Throttled, nil
			}
			dist := geo.Haversine(prev.Lat, prev.Lng, lat, lng)
			speed := geo.ImpliedSpeedKmh(dist, elapsed)
			if speed > g.MaxSpeedKmh {
				if !g.WarnOnly {
					return RejectedOverspeed, nil
				}
				if g.Logger != nil {
					g.Logger.Warn("overspeed sample accepted",
						"bus_id", busID, "implied_kmh", speed, "max_kmh", g.MaxSpeedKmh)
				}
			}
		}

		var old *Fix
		if ok {
			old = &prev
		}
		swapped, err := g.Store.CompareAndSwap(ctx, busID, old, next)
		if err != nil {
			return Throttled, err
		}
		if swapped {
			return Accept, nil
		}
		// another sample for this bus landed first; re-evaluate against it
	}
	return Throttled, ErrContended
}
