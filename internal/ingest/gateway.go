package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/campus-transit/internal/broadcast"
	"github.com/example/campus-transit/internal/geo"
	"github.com/example/campus-transit/internal/guard"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

var (
	ErrBadCoordinates = errors.New("ingest: coordinates out of range")
	ErrNotAssigned    = errors.New("ingest: driver not assigned to bus")
	ErrRouteMissing   = errors.New("ingest: bus has no route")
	ErrThrottled      = errors.New("ingest: sample inside min interval")
	ErrOverspeed      = errors.New("ingest: implied speed rejected")
)

// HistoryProducer is the best-effort side channel for the append log.
type HistoryProducer interface {
	PublishSample(ctx context.Context, s models.PositionSample) error
}

// Gateway validates and persists driver position reports. The current-
// position upsert is the primary write; history and broadcast are
// best-effort and never fail the call.
type Gateway struct {
	Guard     *guard.Guard
	Fleet     storage.FleetStore
	Positions storage.PositionStore
	History   HistoryProducer     // optional
	Fabric    broadcast.Publisher // optional
	Logger    *slog.Logger
}

// Report runs the full ingestion path for one sample. On success it returns
// the sample as persisted (route filled in, capture time defaulted).
func (g *Gateway) Report(ctx context.Context, s models.PositionSample) (models.PositionSample, error) {
	if !geo.ValidCoord(s.Lat, s.Lng) {
		return models.PositionSample{}, ErrBadCoordinates
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}

	bus, ok, err := g.Fleet.Bus(ctx, s.BusID)
	if err != nil {
		return models.PositionSample{}, err
	}
	if !ok || bus.DriverID != s.DriverID {
		return models.PositionSample{}, ErrNotAssigned
	}
	if bus.RouteID == "" {
		return models.PositionSample{}, ErrRouteMissing
	}
	s.RouteID = bus.RouteID

	outcome, err := g.Guard.Validate(ctx, s.BusID, s.Lat, s.Lng, s.CapturedAt)
	if err != nil {
		return models.PositionSample{}, err
	}
	switch outcome {
	case guard.Throttled:
		observability.LocationsThrottled.Inc()
		return models.PositionSample{}, ErrThrottled
	case guard.RejectedOverspeed:
		observability.LocationsOverspeed.Inc()
		return models.PositionSample{}, ErrOverspeed
	}

	if err := g.Positions.UpsertCurrent(ctx, s); err != nil {
		return models.PositionSample{}, err
	}
	observability.LocationsAccepted.Inc()

	if g.History != nil {
		if err := g.History.PublishSample(ctx, s); err != nil {
			g.Logger.Warn("history publish failed", "bus_id", s.BusID, "error", err)
		}
	}

	if g.Fabric != nil {
		update := models.LocationUpdate{
			BusID: s.BusID, RouteID: s.RouteID, DriverID: s.DriverID,
			Lat: s.Lat, Lng: s.Lng, SpeedMps: s.SpeedMps, HeadingDeg: s.HeadingDeg,
			CapturedAt: s.CapturedAt,
		}
		if err := g.Fabric.Publish(ctx, broadcast.RouteChannel(s.RouteID), broadcast.EventLocationUpdate, update); err != nil {
			observability.BroadcastErrors.WithLabelValues(broadcast.EventLocationUpdate).Inc()
			g.Logger.Warn("location broadcast failed", "bus_id", s.BusID, "error", err)
		}
	}

	return s, nil
}
