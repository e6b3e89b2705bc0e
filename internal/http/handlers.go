// Package httpapi exposes the rider-coordination subsystem over HTTP and
// WebSocket.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-transit/internal/auth"
	"github.com/example/campus-transit/internal/broadcast"
	"github.com/example/campus-transit/internal/flags"
	"github.com/example/campus-transit/internal/ingest"
	"github.com/example/campus-transit/internal/missed"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/payments"
	"github.com/example/campus-transit/internal/storage"
)

type Server struct {
	mux      *mux.Router
	logger   *slog.Logger
	verifier auth.Verifier

	gateway  *ingest.Gateway
	flags    *flags.Service
	missed   *missed.Service
	hub      *broadcast.Hub
	renewals storage.RenewalStore
	charger  payments.Charger

	upgrader websocket.Upgrader
}

func NewServer(logger *slog.Logger, verifier auth.Verifier, gateway *ingest.Gateway, flagSvc *flags.Service, missedSvc *missed.Service, hub *broadcast.Hub, renewals storage.RenewalStore, charger payments.Charger) *Server {
	s := &Server{
		mux:      mux.NewRouter(),
		logger:   logger,
		verifier: verifier,
		gateway:  gateway,
		flags:    flagSvc,
		missed:   missedSvc,
		hub:      hub,
		renewals: renewals,
		charger:  charger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations",
		s.requireRole(auth.RoleDriver, s.handleReportLocation)).Methods(http.MethodPost)

	s.mux.HandleFunc("/api/v1/flags",
		s.requireRole(auth.RoleStudent, s.handleRaiseFlag)).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/flags/{id}/location",
		s.requireRole(auth.RoleStudent, s.handleUpdateFlagLocation)).Methods(http.MethodPatch)
	s.mux.HandleFunc("/api/v1/flags/{id}/acknowledge",
		s.requireRole(auth.RoleDriver, s.handleAcknowledgeFlag)).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/flags/{id}/board",
		s.requireRole(auth.RoleStudent, s.handleBoardFlag)).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/flags/{id}",
		s.requireRole(auth.RoleStudent, s.handleCancelFlag)).Methods(http.MethodDelete)

	s.mux.HandleFunc("/api/v1/missed-bus",
		s.requireRole(auth.RoleStudent, s.handleRaiseMissedBus)).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/missed-bus/{id}",
		s.requireRole(auth.RoleStudent, s.handleCancelMissedBus)).Methods(http.MethodDelete)

	s.mux.HandleFunc("/api/v1/passes/renew",
		s.requireRole(auth.RoleStudent, s.handleRenewPass)).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws", s.requireRole("", s.handleWebSocket)).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reportLocationRequest struct {
	BusID      string  `json:"bus_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	SpeedMps   float64 `json:"speed_mps"`
	HeadingDeg float64 `json:"heading_deg"`
	AccuracyM  float64 `json:"accuracy_m"`
	CapturedAt string  `json:"captured_at"`
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req reportLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.BusID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "bus_id is required")
		return
	}
	sample := models.PositionSample{
		BusID:      req.BusID,
		DriverID:   p.ID,
		Lat:        req.Lat,
		Lng:        req.Lng,
		SpeedMps:   req.SpeedMps,
		HeadingDeg: req.HeadingDeg,
		AccuracyM:  req.AccuracyM,
	}
	if req.CapturedAt != "" {
		t, err := time.Parse(time.RFC3339, req.CapturedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "captured_at must be RFC3339")
			return
		}
		sample.CapturedAt = t
	}

	accepted, err := s.gateway.Report(r.Context(), sample)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrBadCoordinates):
			writeError(w, http.StatusBadRequest, "bad_coordinates", "latitude or longitude out of range")
		case errors.Is(err, ingest.ErrNotAssigned):
			writeError(w, http.StatusForbidden, "not_assigned", "driver is not assigned to this bus")
		case errors.Is(err, ingest.ErrRouteMissing):
			writeError(w, http.StatusConflict, "route_missing", "bus has no active route")
		case errors.Is(err, ingest.ErrThrottled):
			writeError(w, http.StatusTooManyRequests, "throttled", "sample arrived inside the minimum interval")
		case errors.Is(err, ingest.ErrOverspeed):
			writeError(w, http.StatusUnprocessableEntity, "overspeed", "implied speed exceeds the plausibility limit")
		default:
			s.internalError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

type raiseFlagRequest struct {
	StudentName string  `json:"student_name"`
	BusID       string  `json:"bus_id"`
	RouteID     string  `json:"route_id"`
	StopID      string  `json:"stop_id"`
	StopName    string  `json:"stop_name"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

func (s *Server) handleRaiseFlag(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req raiseFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.BusID == "" || req.RouteID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "bus_id and route_id are required")
		return
	}
	f, err := s.flags.Raise(r.Context(), p.ID, req.StudentName, req.BusID, req.RouteID,
		req.StopID, req.StopName, models.Coord{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		s.writeFlagError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

type updateFlagLocationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (s *Server) handleUpdateFlagLocation(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req updateFlagLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	applied, err := s.flags.UpdateLocation(r.Context(), mux.Vars(r)["id"], p.ID, models.Coord{Lat: req.Lat, Lng: req.Lng})
	if err != nil {
		s.writeFlagError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

func (s *Server) handleAcknowledgeFlag(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	f, err := s.flags.Acknowledge(r.Context(), mux.Vars(r)["id"], p.ID)
	if err != nil {
		s.writeFlagError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type boardFlagRequest struct {
	BusID string `json:"bus_id"`
}

func (s *Server) handleBoardFlag(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req boardFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := s.flags.MarkBoarded(r.Context(), mux.Vars(r)["id"], p.ID, req.BusID); err != nil {
		s.writeFlagError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.FlagBoarded)})
}

func (s *Server) handleCancelFlag(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	if err := s.flags.Cancel(r.Context(), mux.Vars(r)["id"], p.ID); err != nil {
		s.writeFlagError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeFlagError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, flags.ErrLocationUnavailable):
		writeError(w, http.StatusBadRequest, "bad_location", "a usable location is required")
	case errors.Is(err, flags.ErrAlreadyActive):
		writeError(w, http.StatusConflict, "already_active", "an active flag already exists for this bus")
	case errors.Is(err, flags.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", "transition not permitted from the flag's current status")
	case errors.Is(err, flags.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such flag")
	case errors.Is(err, flags.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", "flag belongs to another rider")
	default:
		s.internalError(w, r, err)
	}
}

type raiseMissedBusRequest struct {
	OperationID   string        `json:"operation_id"`
	RouteID       string        `json:"route_id"`
	StopID        string        `json:"stop_id"`
	AssignedBusID string        `json:"assigned_bus_id"`
	StopLocation  *models.Coord `json:"stop_location"`
}

func (s *Server) handleRaiseMissedBus(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req raiseMissedBusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.OperationID == "" || req.RouteID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "operation_id and route_id are required")
		return
	}
	res, err := s.missed.Raise(r.Context(), p.ID, req.OperationID, req.RouteID, req.StopID, req.AssignedBusID, req.StopLocation)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	switch res.Stage {
	case missed.StageMaintenance:
		writeError(w, http.StatusServiceUnavailable, "maintenance", "missed-bus requests are temporarily disabled")
	case missed.StageRateLimited:
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many missed-bus requests; try again later")
	case missed.StageDuplicate:
		writeJSONWithCode(w, http.StatusConflict, "duplicate", res.Request)
	default:
		writeJSON(w, http.StatusCreated, res.Request)
	}
}

func (s *Server) handleCancelMissedBus(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	err := s.missed.Cancel(r.Context(), mux.Vars(r)["id"], p.ID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, missed.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such request")
	case errors.Is(err, missed.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", "request belongs to another rider")
	default:
		s.internalError(w, r, err)
	}
}

type renewPassRequest struct {
	PassID      string `json:"pass_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	CustomerID  string `json:"customer_id"`
}

// handleRenewPass places a payment hold and records the renewal as
// pending_capture; the registrar captures or cancels it out of band.
func (s *Server) handleRenewPass(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	var req renewPassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.PassID == "" || req.AmountCents <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "pass_id and a positive amount_cents are required")
		return
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}

	intentID, err := s.charger.Hold(r.Context(), req.AmountCents, req.Currency, req.CustomerID)
	if err != nil {
		s.logger.Error("payment hold failed", "student_id", p.ID, "error", err)
		writeError(w, http.StatusBadGateway, "payment_failed", "could not place the payment hold")
		return
	}
	renewal := models.PassRenewal{
		ID:              newID(),
		StudentID:       p.ID,
		PassID:          req.PassID,
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		PaymentIntentID: intentID,
		Status:          "pending_capture",
		CreatedAt:       time.Now(),
	}
	if err := s.renewals.CreateRenewal(r.Context(), &renewal); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, renewal)
}

// handleWebSocket subscribes the caller to one fabric channel. Students may
// only subscribe to their own student channel; route and bus channels are
// open to any authenticated caller.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "channel query parameter is required")
		return
	}
	if !channelAllowed(channel, p) {
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to subscribe to this channel")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	session := s.hub.Subscribe(channel, conn)
	s.logger.Info("subscriber joined", "channel", channel, "principal", p.ID)

	defer func() {
		s.hub.Unsubscribe(channel, session)
		_ = conn.Close()
		s.logger.Info("subscriber left", "channel", channel, "principal", p.ID)
	}()
	for {
		// subscribers only receive; reads just detect disconnects
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func channelAllowed(channel string, p auth.Principal) bool {
	switch {
	case strings.HasPrefix(channel, "student_"):
		return p.Role == auth.RoleAdmin || channel == broadcast.StudentChannel(p.ID)
	case strings.HasPrefix(channel, "route_"), strings.HasPrefix(channel, "waiting_flags_"):
		return true
	default:
		return false
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("handler failed", "path", r.URL.Path, "error", err,
		"request_id", requestIDFromContext(r.Context()))
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeJSONWithCode wraps a payload with an error code for responses that
// carry both, such as duplicate-request conflicts that return the open request.
func writeJSONWithCode(w http.ResponseWriter, status int, code string, payload any) {
	writeJSON(w, status, map[string]any{"error": code, "request": payload})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
