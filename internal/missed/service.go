// Package missed matches riders who missed their assigned bus with an
// alternate one on the same route.
package missed

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
	"github.com/example/campus-transit/internal/notify"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/ratelimit"
	"github.com/example/campus-transit/internal/storage"
)

var (
	ErrNotFound = errors.New("missed: no such request")
	ErrNotOwner = errors.New("missed: request belongs to another rider")
)

// Stage is the rider-visible outcome of a raise attempt. Policy outcomes
// are stages, not errors: the caller always learns exactly which gate
// stopped (or passed) the request.
type Stage string

const (
	StageMaintenance Stage = "maintenance"
	StageRateLimited Stage = "rate_limited"
	StageDuplicate   Stage = "duplicate"
	StageCreated     Stage = "created"
)

type RaiseResult struct {
	Stage   Stage
	Request *models.MissedBusRequest
}

type Service struct {
	Store    storage.RequestStore
	Fleet    storage.FleetStore
	BusIndex geo.Index // optional geographic fallback for candidate search
	Fabric   broadcast.Publisher
	Notifier notify.Dispatcher
	Limiter  ratelimit.Limiter

	TTL           time.Duration
	SweepInterval time.Duration
	// Maintenance short-circuits every raise with a single consistent
	// answer instead of leaking infrastructure errors.
	Maintenance bool
	Logger      *slog.Logger

	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Raise runs the gate sequence: kill switch, idempotent replay, single open
// request, rate limit, create, then a synchronous candidate search. Replaying
// an operationId returns the existing request; it is not an error and does
// not consume rate-limit budget.
func (s *Service) Raise(ctx context.Context, studentID, operationID, routeID, stopID, assignedBusID string, stopLoc *models.Coord) (RaiseResult, error) {
	if s.Maintenance {
		return RaiseResult{Stage: StageMaintenance}, nil
	}

	if existing, ok, err := s.Store.RequestByOperation(ctx, studentID, operationID); err != nil {
		return RaiseResult{}, err
	} else if ok {
		return RaiseResult{Stage: StageCreated, Request: &existing}, nil
	}

	if open, ok, err := s.Store.OpenRequest(ctx, studentID); err != nil {
		return RaiseResult{}, err
	} else if ok {
		return RaiseResult{Stage: StageDuplicate, Request: &open}, nil
	}

	if s.Limiter != nil {
		ok, err := s.Limiter.Allow(ctx, "missed:"+studentID)
		if err != nil {
			return RaiseResult{}, err
		}
		if !ok {
			return RaiseResult{Stage: StageRateLimited}, nil
		}
	}

	now := s.now()
	req := models.MissedBusRequest{
		ID:            newID(),
		OperationID:   operationID,
		StudentID:     studentID,
		RouteID:       routeID,
		StopID:        stopID,
		AssignedBusID: assignedBusID,
		Status:        models.RequestPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.TTL),
	}
	if err := s.Store.CreateRequest(ctx, &req); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// lost a race: either the same operation landed twice or
			// another request went pending; re-read to find out which
			if existing, ok, err2 := s.Store.RequestByOperation(ctx, studentID, operationID); err2 == nil && ok {
				return RaiseResult{Stage: StageCreated, Request: &existing}, nil
			}
			if open, ok, err2 := s.Store.OpenRequest(ctx, studentID); err2 == nil && ok {
				return RaiseResult{Stage: StageDuplicate, Request: &open}, nil
			}
		}
		return RaiseResult{}, err
	}

	matched := s.tryMatch(ctx, &req, stopLoc)
	if !matched {
		// stays pending; the sweeper keeps retrying until expiry
		s.Logger.Info("no candidate yet", "request_id", req.ID, "route_id", routeID)
	}
	return RaiseResult{Stage: StageCreated, Request: &req}, nil
}

// tryMatch looks for an active bus with spare seats on the route, preferring
// the one nearest the rider's stop when positions are known. Reports whether
// the request was approved.
func (s *Service) tryMatch(ctx context.Context, req *models.MissedBusRequest, stopLoc *models.Coord) bool {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	buses, err := s.Fleet.ActiveBusesOnRoute(ctx, req.RouteID)
	if err != nil {
		s.Logger.Error("candidate query failed", "request_id", req.ID, "error", err)
		return false
	}
	candidates := make([]models.Bus, 0, len(buses))
	for _, b := range buses {
		if b.ID == req.AssignedBusID || b.SeatsAvailable <= 0 {
			continue
		}
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return false
	}

	best := candidates[0]
	if s.BusIndex != nil && stopLoc != nil {
		bestDist := -1.0
		nearby := s.BusIndex.Nearby(stopLoc.Lat, stopLoc.Lng, 32)
		dists := make(map[string]float64, len(nearby))
		for _, f := range nearby {
			dists[f.BusID] = geo.Haversine(stopLoc.Lat, stopLoc.Lng, f.Lat, f.Lng)
		}
		for _, c := range candidates {
			d, known := dists[c.ID]
			if !known {
				continue
			}
			if bestDist < 0 || d < bestDist {
				best, bestDist = c, d
			}
		}
	}

	updated, ok, err := s.Store.TransitionRequest(ctx, req.ID,
		[]models.RequestStatus{models.RequestPending}, models.RequestApproved,
		best.ID, "Bus "+best.ID+" can pick you up")
	if err != nil {
		s.Logger.Error("approval write failed", "request_id", req.ID, "error", err)
		return false
	}
	if !ok {
		// cancelled or expired while we were searching
		return false
	}
	*req = updated
	observability.MatchesApproved.Inc()
	s.publishResult(ctx, updated)
	s.send(ctx, updated.StudentID, "Alternate bus found", updated.Resolution)
	return true
}

// Cancel is rider-initiated and valid only while pending. Cancelling a
// request that already reached a terminal state is accepted silently.
func (s *Service) Cancel(ctx context.Context, requestID, studentID string) error {
	req, ok, err := s.Store.Request(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if req.StudentID != studentID {
		return ErrNotOwner
	}
	req, ok, err = s.Store.TransitionRequest(ctx, requestID,
		[]models.RequestStatus{models.RequestPending}, models.RequestCancelled, "", "Cancelled by rider")
	if err != nil {
		return err
	}
	if !ok {
		// first terminal transition won; nothing left to do
		return nil
	}
	s.publishResult(ctx, req)
	return nil
}

// Sweep expires pending requests past their deadline and retries matching
// for the rest. Each expiry notifies the rider exactly once: only the
// winning transition publishes.
func (s *Service) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := s.Store.PendingRequests(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range pending {
		req := pending[i]
		if !now.Before(req.ExpiresAt) {
			expired, ok, err := s.Store.TransitionRequest(ctx, req.ID,
				[]models.RequestStatus{models.RequestPending}, models.RequestExpired,
				"", "No alternate bus was found in time")
			if err != nil {
				s.Logger.Error("request expiry failed", "request_id", req.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			s.publishResult(ctx, expired)
			s.send(ctx, expired.StudentID, "Pickup request expired", expired.Resolution)
			continue
		}
		s.tryMatch(ctx, &req, nil)
	}
	return nil
}

func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.Logger.Error("missed-bus sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) publishResult(ctx context.Context, req models.MissedBusRequest) {
	if s.Fabric == nil {
		return
	}
	result := models.MatchResult{
		RequestID:    req.ID,
		Status:       req.Status,
		CandidateBus: req.CandidateBus,
		Message:      req.Resolution,
	}
	if err := s.Fabric.Publish(ctx, broadcast.StudentChannel(req.StudentID), broadcast.EventMatchResult, result); err != nil {
		observability.BroadcastErrors.WithLabelValues(broadcast.EventMatchResult).Inc()
		s.Logger.Warn("match result broadcast failed", "request_id", req.ID, "error", err)
	}
}

func (s *Service) send(ctx context.Context, studentID, title, body string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Send(ctx, studentID, title, body); err != nil {
		s.Logger.Warn("push dispatch failed", "student_id", studentID, "error", err)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
