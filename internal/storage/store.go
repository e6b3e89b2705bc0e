package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/campus-transit/internal/models"
)

// ErrDuplicate is returned when a write collides with an existing active
// record (single-active-flag, single-pending-request, replayed operation id).
var ErrDuplicate = errors.New("storage: conflicting active record")

// PositionStore persists the current position per bus plus the append-only
// history. The current-position upsert is the primary write of ingestion;
// history rows are appended by the consumer pipeline.
type PositionStore interface {
	UpsertCurrent(ctx context.Context, s models.PositionSample) error
	Current(ctx context.Context, busID string) (models.PositionSample, bool, error)
	AppendHistory(ctx context.Context, s models.PositionSample) error
}

// FleetStore reads bus/assignment state owned by the wider product.
type FleetStore interface {
	Bus(ctx context.Context, busID string) (models.Bus, bool, error)
	ActiveBusesOnRoute(ctx context.Context, routeID string) ([]models.Bus, error)
}

// FlagStore enforces waiting-flag invariants with conditional writes:
// CreateFlag fails with ErrDuplicate while an active flag exists for the same
// (student, bus); TransitionFlag only succeeds from one of the given states.
type FlagStore interface {
	CreateFlag(ctx context.Context, f *models.WaitingFlag) error
	Flag(ctx context.Context, id string) (models.WaitingFlag, bool, error)
	// UpdateFlagLocation writes loc only while the flag is still active.
	UpdateFlagLocation(ctx context.Context, id string, loc models.Coord) (bool, error)
	// TransitionFlag moves the flag to `to` iff its status is one of `from`,
	// returning the updated row and whether the swap happened.
	TransitionFlag(ctx context.Context, id string, from []models.FlagStatus, to models.FlagStatus, ackBy string) (models.WaitingFlag, bool, error)
	// DueFlags lists active flags whose deadline has passed.
	DueFlags(ctx context.Context, now time.Time) ([]models.WaitingFlag, error)
}

// RequestStore mirrors FlagStore for missed-bus requests.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.MissedBusRequest) error
	Request(ctx context.Context, id string) (models.MissedBusRequest, bool, error)
	RequestByOperation(ctx context.Context, studentID, operationID string) (models.MissedBusRequest, bool, error)
	// OpenRequest returns the student's pending or approved request, if any.
	OpenRequest(ctx context.Context, studentID string) (models.MissedBusRequest, bool, error)
	TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus, candidateBus, resolution string) (models.MissedBusRequest, bool, error)
	PendingRequests(ctx context.Context) ([]models.MissedBusRequest, error)
}

type RenewalStore interface {
	CreateRenewal(ctx context.Context, r *models.PassRenewal) error
}
