package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/campus-transit/internal/auth"
	"github.com/example/campus-transit/internal/broadcast"
	"github.com/example/campus-transit/internal/flags"
	"github.com/example/campus-transit/internal/guard"
	"github.com/example/campus-transit/internal/ingest"
	"github.com/example/campus-transit/internal/logging"
	"github.com/example/campus-transit/internal/missed"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/ratelimit"
	"github.com/example/campus-transit/internal/storage"
)

type fakeCharger struct {
	fail  bool
	holds int
}

func (c *fakeCharger) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	if c.fail {
		return "", context.DeadlineExceeded
	}
	c.holds++
	return "pi_test", nil
}

func newTestServer(t *testing.T, store *storage.MemoryStore) (*Server, *fakeCharger) {
	t.Helper()
	logger := logging.NewLogger("error")
	hub := broadcast.NewHub(logger)

	g := &ingest.Gateway{
		Guard: &guard.Guard{
			Store:       guard.NewMemoryFixStore(),
			MinInterval: 2 * time.Second,
			MaxSpeedKmh: 160,
			Logger:      logger,
		},
		Fleet:     store,
		Positions: store,
		Fabric:    hub,
		Logger:    logger,
	}
	flagSvc := &flags.Service{
		Store:          store,
		Fabric:         hub,
		TTL:            15 * time.Minute,
		MoveThresholdM: 50,
		SweepInterval:  30 * time.Second,
		Logger:         logger,
	}
	missedSvc := &missed.Service{
		Store:         store,
		Fleet:         store,
		Fabric:        hub,
		Limiter:       ratelimit.NewMemoryLimiter(3, 10*time.Minute),
		TTL:           10 * time.Minute,
		SweepInterval: 30 * time.Second,
		Logger:        logger,
	}
	verifier := auth.StaticVerifier{
		"tok-student": {ID: "s1", Role: auth.RoleStudent},
		"tok-driver":  {ID: "d1", Role: auth.RoleDriver},
	}
	charger := &fakeCharger{}
	return NewServer(logger, verifier, g, flagSvc, missedSvc, hub, store, charger), charger
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestReportLocationAcceptedThenThrottled(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedBus(models.Bus{ID: "BUS-1", RouteID: "R1", DriverID: "d1", Status: "active"})
	srv, _ := newTestServer(t, store)

	body := map[string]any{"bus_id": "BUS-1", "lat": 12.97, "lng": 77.59}
	w := doJSON(t, srv, http.MethodPost, "/internal/driver/locations", "tok-driver", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first report: %d %s", w.Code, w.Body.String())
	}
	// immediately again: inside the minimum interval
	w = doJSON(t, srv, http.MethodPost, "/internal/driver/locations", "tok-driver", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second report: %d %s", w.Code, w.Body.String())
	}
}

func TestReportLocationRequiresDriverRole(t *testing.T) {
	store := storage.NewMemoryStore()
	srv, _ := newTestServer(t, store)

	body := map[string]any{"bus_id": "BUS-1", "lat": 1.0, "lng": 1.0}
	if w := doJSON(t, srv, http.MethodPost, "/internal/driver/locations", "", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodPost, "/internal/driver/locations", "tok-student", body); w.Code != http.StatusForbidden {
		t.Fatalf("student token: %d", w.Code)
	}
}

func TestReportLocationNotAssigned(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedBus(models.Bus{ID: "BUS-1", RouteID: "R1", DriverID: "someone-else", Status: "active"})
	srv, _ := newTestServer(t, store)

	body := map[string]any{"bus_id": "BUS-1", "lat": 12.97, "lng": 77.59}
	w := doJSON(t, srv, http.MethodPost, "/internal/driver/locations", "tok-driver", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestFlagLifecycleOverHTTP(t *testing.T) {
	store := storage.NewMemoryStore()
	srv, _ := newTestServer(t, store)

	raise := map[string]any{
		"bus_id": "BUS-1", "route_id": "R1", "stop_name": "Library",
		"lat": 12.97, "lng": 77.59,
	}
	w := doJSON(t, srv, http.MethodPost, "/api/v1/flags", "tok-student", raise)
	if w.Code != http.StatusCreated {
		t.Fatalf("raise: %d %s", w.Code, w.Body.String())
	}
	var f models.WaitingFlag
	if err := json.Unmarshal(w.Body.Bytes(), &f); err != nil {
		t.Fatal(err)
	}
	if f.Status != models.FlagRaised || f.StudentID != "s1" {
		t.Fatalf("unexpected flag: %+v", f)
	}

	// duplicate raise for the same bus
	if w := doJSON(t, srv, http.MethodPost, "/api/v1/flags", "tok-student", raise); w.Code != http.StatusConflict {
		t.Fatalf("duplicate raise: %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/flags/"+f.ID+"/acknowledge", "tok-driver", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("acknowledge: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, http.MethodPost, "/api/v1/flags/"+f.ID+"/board", "tok-student", map[string]any{"bus_id": "BUS-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("board: %d %s", w.Code, w.Body.String())
	}

	// terminal flag: location update no longer permitted
	w = doJSON(t, srv, http.MethodPatch, "/api/v1/flags/"+f.ID+"/location", "tok-student", map[string]any{"lat": 12.98, "lng": 77.6})
	if w.Code != http.StatusConflict {
		t.Fatalf("update after board: %d %s", w.Code, w.Body.String())
	}
}

func TestCancelFlagNotFound(t *testing.T) {
	store := storage.NewMemoryStore()
	srv, _ := newTestServer(t, store)

	w := doJSON(t, srv, http.MethodDelete, "/api/v1/flags/nope", "tok-student", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d", w.Code)
	}
}

func TestMissedBusFlow(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedBus(models.Bus{ID: "BUS-2", RouteID: "R1", Status: "active", SeatsAvailable: 4})
	srv, _ := newTestServer(t, store)

	body := map[string]any{"operation_id": "op-1", "route_id": "R1", "stop_id": "stop-1", "assigned_bus_id": "BUS-1"}
	w := doJSON(t, srv, http.MethodPost, "/api/v1/missed-bus", "tok-student", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("raise: %d %s", w.Code, w.Body.String())
	}
	var req models.MissedBusRequest
	if err := json.Unmarshal(w.Body.Bytes(), &req); err != nil {
		t.Fatal(err)
	}
	if req.Status != models.RequestApproved || req.CandidateBus != "BUS-2" {
		t.Fatalf("unexpected request: %+v", req)
	}

	// replaying the same operation id returns the same request
	w = doJSON(t, srv, http.MethodPost, "/api/v1/missed-bus", "tok-student", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("replay: %d %s", w.Code, w.Body.String())
	}
	var replay models.MissedBusRequest
	if err := json.Unmarshal(w.Body.Bytes(), &replay); err != nil {
		t.Fatal(err)
	}
	if replay.ID != req.ID {
		t.Fatalf("replay minted a new request: %s vs %s", replay.ID, req.ID)
	}
}

func TestMissedBusDuplicateWhileOpen(t *testing.T) {
	store := storage.NewMemoryStore() // no buses, request stays pending
	srv, _ := newTestServer(t, store)

	first := doJSON(t, srv, http.MethodPost, "/api/v1/missed-bus", "tok-student",
		map[string]any{"operation_id": "op-1", "route_id": "R1"})
	if first.Code != http.StatusCreated {
		t.Fatalf("raise: %d", first.Code)
	}
	w := doJSON(t, srv, http.MethodPost, "/api/v1/missed-bus", "tok-student",
		map[string]any{"operation_id": "op-2", "route_id": "R1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate: %d %s", w.Code, w.Body.String())
	}
}

func TestMissedBusMaintenance(t *testing.T) {
	store := storage.NewMemoryStore()
	srv, _ := newTestServer(t, store)
	srv.missed.Maintenance = true

	w := doJSON(t, srv, http.MethodPost, "/api/v1/missed-bus", "tok-student",
		map[string]any{"operation_id": "op-1", "route_id": "R1"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestRenewPass(t *testing.T) {
	store := storage.NewMemoryStore()
	srv, charger := newTestServer(t, store)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/passes/renew", "tok-student",
		map[string]any{"pass_id": "pass-7", "amount_cents": 2500})
	if w.Code != http.StatusCreated {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	var renewal models.PassRenewal
	if err := json.Unmarshal(w.Body.Bytes(), &renewal); err != nil {
		t.Fatal(err)
	}
	if renewal.Status != "pending_capture" || renewal.PaymentIntentID != "pi_test" {
		t.Fatalf("unexpected renewal: %+v", renewal)
	}
	if charger.holds != 1 {
		t.Fatalf("expected one hold, got %d", charger.holds)
	}
}

func TestRenewPassPaymentFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	srv, charger := newTestServer(t, store)
	charger.fail = true

	w := doJSON(t, srv, http.MethodPost, "/api/v1/passes/renew", "tok-student",
		map[string]any{"pass_id": "pass-7", "amount_cents": 2500})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
}

func TestWebSocketChannelAuthorization(t *testing.T) {
	student := auth.Principal{ID: "s1", Role: auth.RoleStudent}
	if !channelAllowed("student_s1", student) {
		t.Fatal("own student channel should be allowed")
	}
	if channelAllowed("student_s2", student) {
		t.Fatal("another rider's channel should be denied")
	}
	if !channelAllowed("route_R1", student) {
		t.Fatal("route channels are open to authenticated callers")
	}
	if !channelAllowed("waiting_flags_BUS-1", student) {
		t.Fatal("bus flag channels are open to authenticated callers")
	}
	if channelAllowed("admin_stuff", student) {
		t.Fatal("unknown channel families should be denied")
	}
	admin := auth.Principal{ID: "a1", Role: auth.RoleAdmin}
	if !channelAllowed("student_s2", admin) {
		t.Fatal("admins may observe any student channel")
	}
}

func TestHealthz(t *testing.T) {
	store := storage.NewMemoryStore()
	srv, _ := newTestServer(t, store)
	w := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
}
