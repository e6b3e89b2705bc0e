package guard

import (
	"context"
	"sync"
)

// MemoryFixStore keeps last fixes in process memory. Single-instance only:
// two servers sharing a fleet must use RedisFixStore or the throttle and
// overspeed checks stop being authoritative.
type MemoryFixStore struct {
	mu    sync.Mutex
	fixes map[string]Fix
}

func NewMemoryFixStore() *MemoryFixStore {
	return &MemoryFixStore{fixes: make(map[string]Fix)}
}

func (m *MemoryFixStore) Load(ctx context.Context, busID string) (Fix, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fixes[busID]
	return f, ok, nil
}

func (m *MemoryFixStore) CompareAndSwap(ctx context.Context, busID string, old *Fix, next Fix) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.fixes[busID]
	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || cur.Lat != old.Lat || cur.Lng != old.Lng || !cur.At.Equal(old.At) {
			return false, nil
		}
	}
	m.fixes[busID] = next
	return true, nil
}
