// Package flags manages the waiting-flag lifecycle: a rider's time-bounded
// "I am at the stop" signal, from raise through acknowledge/board or
// cancel/expire.
package flags

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/example/campus-transit/internal/broadcast"
	"github.com/example/campus-transit/internal/geo"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

var (
	ErrAlreadyActive       = errors.New("flags: active flag already exists for this bus")
	ErrLocationUnavailable = errors.New("flags: no usable location")
	ErrInvalidState        = errors.New("flags: transition not permitted from current status")
	ErrNotFound            = errors.New("flags: no such flag")
	ErrNotOwner            = errors.New("flags: flag belongs to another rider")
)

type Service struct {
	Store          storage.FlagStore
	Fabric         broadcast.Publisher
	TTL            time.Duration
	MoveThresholdM float64
	SweepInterval  time.Duration
	Logger         *slog.Logger

	// Now is overridable for tests; zero value means time.Now.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Raise creates a flag for (studentID, busID). A second raise while one is
// active fails with ErrAlreadyActive rather than merging.
func (s *Service) Raise(ctx context.Context, studentID, studentName, busID, routeID, stopID, stopName string, loc models.Coord) (models.WaitingFlag, error) {
	if !geo.ValidCoord(loc.Lat, loc.Lng) {
		return models.WaitingFlag{}, ErrLocationUnavailable
	}
	now := s.now()
	f := models.WaitingFlag{
		ID:          newID(),
		StudentID:   studentID,
		StudentName: studentName,
		BusID:       busID,
		RouteID:     routeID,
		StopID:      stopID,
		StopName:    stopName,
		Loc:         loc,
		Status:      models.FlagRaised,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.TTL),
	}
	if err := s.Store.CreateFlag(ctx, &f); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.WaitingFlag{}, ErrAlreadyActive
		}
		return models.WaitingFlag{}, err
	}
	observability.FlagsRaised.Inc()
	s.publish(ctx, broadcast.BusChannel(busID), broadcast.EventFlagCreated, flagEvent(f, ""))
	return f, nil
}

// UpdateLocation is the throttled periodic update from the rider's device.
// Moves under the threshold are suppressed entirely: no write, no publish.
// Returns whether the update was applied.
func (s *Service) UpdateLocation(ctx context.Context, flagID, studentID string, loc models.Coord) (bool, error) {
	if !geo.ValidCoord(loc.Lat, loc.Lng) {
		return false, ErrLocationUnavailable
	}
	f, ok, err := s.Store.Flag(ctx, flagID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotFound
	}
	if f.StudentID != studentID {
		return false, ErrNotOwner
	}
	if !f.Status.ActiveState() {
		return false, ErrInvalidState
	}
	if geo.Haversine(f.Loc.Lat, f.Loc.Lng, loc.Lat, loc.Lng) < s.MoveThresholdM {
		return false, nil
	}
	applied, err := s.Store.UpdateFlagLocation(ctx, flagID, loc)
	if err != nil {
		return false, err
	}
	if !applied {
		// lost a race with a terminal transition
		return false, ErrInvalidState
	}
	f.Loc = loc
	s.publish(ctx, broadcast.BusChannel(f.BusID), broadcast.EventFlagUpdated, flagEvent(f, ""))
	return true, nil
}

// Acknowledge moves raised → acknowledged and tells the rider, not the bus
// channel: the acknowledging driver already knows, other drivers don't care.
func (s *Service) Acknowledge(ctx context.Context, flagID, driverID string) (models.WaitingFlag, error) {
	f, ok, err := s.Store.TransitionFlag(ctx, flagID, []models.FlagStatus{models.FlagRaised}, models.FlagAcknowledged, driverID)
	if err != nil {
		return models.WaitingFlag{}, err
	}
	if !ok {
		if f.ID == "" {
			return models.WaitingFlag{}, ErrNotFound
		}
		return f, ErrInvalidState
	}
	s.publish(ctx, broadcast.StudentChannel(f.StudentID), broadcast.EventFlagAcknowledged,
		models.FlagAck{FlagID: f.ID, DriverID: driverID})
	return f, nil
}

// MarkBoarded is the rider-side terminal happy path.
func (s *Service) MarkBoarded(ctx context.Context, flagID, studentID, busID string) error {
	f, ok, err := s.Store.Flag(ctx, flagID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if f.StudentID != studentID || f.BusID != busID {
		return ErrNotOwner
	}
	f, ok, err = s.Store.TransitionFlag(ctx, flagID,
		[]models.FlagStatus{models.FlagRaised, models.FlagAcknowledged}, models.FlagBoarded, "")
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState
	}
	s.publish(ctx, broadcast.BusChannel(f.BusID), broadcast.EventFlagRemoved, flagEvent(f, "boarded"))
	return nil
}

// Cancel is rider-initiated. Cancelling a flag that already reached a
// terminal state is accepted silently: the expiry sweep and the rider race
// and the first terminal transition wins.
func (s *Service) Cancel(ctx context.Context, flagID, studentID string) error {
	f, ok, err := s.Store.Flag(ctx, flagID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if f.StudentID != studentID {
		return ErrNotOwner
	}
	f, ok, err = s.Store.TransitionFlag(ctx, flagID,
		[]models.FlagStatus{models.FlagRaised, models.FlagAcknowledged}, models.FlagCancelled, "")
	if err != nil {
		return err
	}
	if !ok {
		if f.Status.Terminal() {
			return nil
		}
		return ErrInvalidState
	}
	s.publish(ctx, broadcast.BusChannel(f.BusID), broadcast.EventFlagRemoved, flagEvent(f, "cancelled"))
	return nil
}

// ExpireDue transitions every active flag past its deadline. Returns how
// many flags expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	start := time.Now()
	due, err := s.Store.DueFlags(ctx, s.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, f := range due {
		f, ok, err := s.Store.TransitionFlag(ctx, f.ID,
			[]models.FlagStatus{models.FlagRaised, models.FlagAcknowledged}, models.FlagExpired, "")
		if err != nil {
			s.Logger.Error("flag expiry failed", "flag_id", f.ID, "error", err)
			continue
		}
		if !ok {
			// cancelled or boarded since the query; nothing to do
			continue
		}
		expired++
		observability.FlagsExpired.Inc()
		s.publish(ctx, broadcast.BusChannel(f.BusID), broadcast.EventFlagRemoved, flagEvent(f, "expired"))
		s.publish(ctx, broadcast.StudentChannel(f.StudentID), broadcast.EventFlagExpired, flagEvent(f, "expired"))
	}
	observability.SweepDuration.Observe(time.Since(start).Seconds())
	return expired, nil
}

// RunSweeper is the authoritative server-side expiry loop; client countdowns
// are display-only.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpireDue(ctx); err != nil {
				s.Logger.Error("flag sweep failed", "error", err)
			} else if n > 0 {
				s.Logger.Info("flags expired", "count", n)
			}
		}
	}
}

func (s *Service) publish(ctx context.Context, channel, event string, payload any) {
	if s.Fabric == nil {
		return
	}
	if err := s.Fabric.Publish(ctx, channel, event, payload); err != nil {
		observability.BroadcastErrors.WithLabelValues(event).Inc()
		s.Logger.Warn("flag broadcast failed", "event", event, "channel", channel, "error", err)
	}
}

func flagEvent(f models.WaitingFlag, reason string) models.FlagEvent {
	return models.FlagEvent{
		FlagID:      f.ID,
		StudentID:   f.StudentID,
		StudentName: f.StudentName,
		BusID:       f.BusID,
		StopName:    f.StopName,
		Lat:         f.Loc.Lat,
		Lng:         f.Loc.Lng,
		Reason:      reason,
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
