package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/models"
)

// MemoryStore backs every store interface for tests and no-infra local runs.
// It enforces the same invariants the Postgres schema does with its partial
// unique indexes.
type MemoryStore struct {
	mu        sync.RWMutex
	buses     map[string]models.Bus
	positions map[string]models.PositionSample
	history   []models.PositionSample
	flags     map[string]*models.WaitingFlag
	requests  map[string]*models.MissedBusRequest
	renewals  map[string]*models.PassRenewal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buses:     make(map[string]models.Bus),
		positions: make(map[string]models.PositionSample),
		flags:     make(map[string]*models.WaitingFlag),
		requests:  make(map[string]*models.MissedBusRequest),
		renewals:  make(map[string]*models.PassRenewal),
	}
}

// SeedBus loads fleet state normally owned by the admin CRUD side.
func (m *MemoryStore) SeedBus(b models.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses[b.ID] = b
}

func (m *MemoryStore) Bus(ctx context.Context, busID string) (models.Bus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[busID]
	return b, ok, nil
}

func (m *MemoryStore) ActiveBusesOnRoute(ctx context.Context, routeID string) ([]models.Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Bus
	for _, b := range m.buses {
		if b.RouteID == routeID && b.Active() {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertCurrent(ctx context.Context, s models.PositionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[s.BusID] = s
	return nil
}

func (m *MemoryStore) Current(ctx context.Context, busID string) (models.PositionSample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.positions[busID]
	return s, ok, nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, s models.PositionSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, s)
	return nil
}

// HistoryLen is test-only visibility into the append log.
func (m *MemoryStore) HistoryLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

func (m *MemoryStore) CreateFlag(ctx context.Context, f *models.WaitingFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.flags {
		if existing.StudentID == f.StudentID && existing.BusID == f.BusID && existing.Status.ActiveState() {
			return ErrDuplicate
		}
	}
	cp := *f
	m.flags[f.ID] = &cp
	return nil
}

func (m *MemoryStore) Flag(ctx context.Context, id string) (models.WaitingFlag, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flags[id]
	if !ok {
		return models.WaitingFlag{}, false, nil
	}
	return *f, true, nil
}

func (m *MemoryStore) UpdateFlagLocation(ctx context.Context, id string, loc models.Coord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[id]
	if !ok || !f.Status.ActiveState() {
		return false, nil
	}
	f.Loc = loc
	return true, nil
}

func (m *MemoryStore) TransitionFlag(ctx context.Context, id string, from []models.FlagStatus, to models.FlagStatus, ackBy string) (models.WaitingFlag, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[id]
	if !ok {
		return models.WaitingFlag{}, false, nil
	}
	allowed := false
	for _, s := range from {
		if f.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return *f, false, nil
	}
	f.Status = to
	if ackBy != "" {
		f.AcknowledgedBy = ackBy
	}
	return *f, true, nil
}

func (m *MemoryStore) DueFlags(ctx context.Context, now time.Time) ([]models.WaitingFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WaitingFlag
	for _, f := range m.flags {
		if f.Status.ActiveState() && !now.Before(f.ExpiresAt) {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.MissedBusRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.requests {
		if existing.StudentID == r.StudentID && existing.OperationID == r.OperationID {
			return ErrDuplicate
		}
		if existing.StudentID == r.StudentID && existing.Status == models.RequestPending {
			return ErrDuplicate
		}
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Request(ctx context.Context, id string) (models.MissedBusRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.MissedBusRequest{}, false, nil
	}
	return *r, true, nil
}

func (m *MemoryStore) RequestByOperation(ctx context.Context, studentID, operationID string) (models.MissedBusRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.StudentID == studentID && r.OperationID == operationID {
			return *r, true, nil
		}
	}
	return models.MissedBusRequest{}, false, nil
}

func (m *MemoryStore) OpenRequest(ctx context.Context, studentID string) (models.MissedBusRequest, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.StudentID == studentID && (r.Status == models.RequestPending || r.Status == models.RequestApproved) {
			return *r, true, nil
		}
	}
	return models.MissedBusRequest{}, false, nil
}

func (m *MemoryStore) TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus, candidateBus, resolution string) (models.MissedBusRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.MissedBusRequest{}, false, nil
	}
	allowed := false
	for _, s := range from {
		if r.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return *r, false, nil
	}
	r.Status = to
	if candidateBus != "" {
		r.CandidateBus = candidateBus
	}
	if resolution != "" {
		r.Resolution = resolution
	}
	return *r, true, nil
}

func (m *MemoryStore) PendingRequests(ctx context.Context) ([]models.MissedBusRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MissedBusRequest
	for _, r := range m.requests {
		if r.Status == models.RequestPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateRenewal(ctx context.Context, r *models.PassRenewal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.renewals[r.ID]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.renewals[r.ID] = &cp
	return nil
}
