package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PositionSample is one driver-reported location fix for a bus.
type PositionSample struct {
	BusID      string    `json:"bus_id"`
	DriverID   string    `json:"driver_id"`
	RouteID    string    `json:"route_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	SpeedMps   float64   `json:"speed_mps,omitempty"`
	HeadingDeg float64   `json:"heading_deg,omitempty"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

type Bus struct {
	ID             string `json:"id"`
	RouteID        string `json:"route_id"`
	DriverID       string `json:"driver_id"`
	Status         string `json:"status"` // active, inactive, maintenance
	SeatsAvailable int    `json:"seats_available"`
}

func (b Bus) Active() bool { return b.Status == "active" }

type FlagStatus string

const (
	FlagRaised       FlagStatus = "raised"
	FlagAcknowledged FlagStatus = "acknowledged"
	FlagBoarded      FlagStatus = "boarded"
	FlagCancelled    FlagStatus = "cancelled"
	FlagExpired      FlagStatus = "expired"
)

// Terminal reports whether no further transitions are permitted.
func (s FlagStatus) Terminal() bool {
	return s == FlagBoarded || s == FlagCancelled || s == FlagExpired
}

func (s FlagStatus) ActiveState() bool { return s == FlagRaised || s == FlagAcknowledged }

// WaitingFlag is a rider's declared intent to be picked up at a location.
// At most one flag per (student, bus) may be in a non-terminal state.
// Loc holds the last location published for the flag.
type WaitingFlag struct {
	ID             string     `json:"id"`
	StudentID      string     `json:"student_id"`
	StudentName    string     `json:"student_name"`
	BusID          string     `json:"bus_id"`
	RouteID        string     `json:"route_id"`
	StopID         string     `json:"stop_id,omitempty"`
	StopName       string     `json:"stop_name,omitempty"`
	Loc            Coord      `json:"loc"`
	Status         FlagStatus `json:"status"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

func (s RequestStatus) Terminal() bool { return s != RequestPending }

// MissedBusRequest asks for an alternate bus after the rider missed their
// assigned one. OperationID is the client-supplied idempotency key.
type MissedBusRequest struct {
	ID            string        `json:"id"`
	OperationID   string        `json:"operation_id"`
	StudentID     string        `json:"student_id"`
	RouteID       string        `json:"route_id"`
	StopID        string        `json:"stop_id"`
	AssignedBusID string        `json:"assigned_bus_id,omitempty"`
	Status        RequestStatus `json:"status"`
	CandidateBus  string        `json:"candidate_bus_id,omitempty"`
	Resolution    string        `json:"resolution,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

type PassRenewal struct {
	ID              string    `json:"id"`
	StudentID       string    `json:"student_id"`
	PassID          string    `json:"pass_id"`
	AmountCents     int64     `json:"amount_cents"`
	Currency        string    `json:"currency"`
	PaymentIntentID string    `json:"payment_intent_id"`
	Status          string    `json:"status"` // pending_capture, captured, cancelled
	CreatedAt       time.Time `json:"created_at"`
}

// Event payloads published on the broadcast fabric.

type LocationUpdate struct {
	BusID      string    `json:"bus_id"`
	RouteID    string    `json:"route_id"`
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	SpeedMps   float64   `json:"speed_mps,omitempty"`
	HeadingDeg float64   `json:"heading_deg,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

type FlagEvent struct {
	FlagID      string  `json:"flag_id"`
	StudentID   string  `json:"student_id"`
	StudentName string  `json:"student_name,omitempty"`
	BusID       string  `json:"bus_id"`
	StopName    string  `json:"stop_name,omitempty"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Reason      string  `json:"reason,omitempty"` // boarded, cancelled, expired
}

type FlagAck struct {
	FlagID   string `json:"flag_id"`
	DriverID string `json:"driver_id"`
}

type MatchResult struct {
	RequestID    string        `json:"request_id"`
	Status       RequestStatus `json:"status"`
	CandidateBus string        `json:"candidate_bus_id,omitempty"`
	Message      string        `json:"message,omitempty"`
}
