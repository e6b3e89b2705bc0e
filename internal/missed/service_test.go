package missed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/campus-transit/internal/logging"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/ratelimit"
	"github.com/example/campus-transit/internal/storage"
)

type published struct {
	channel string
	event   string
	payload any
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) Publish(ctx context.Context, channel, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{channel, event, payload})
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type fakeNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (n *fakeNotifier) Send(ctx context.Context, studentID, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, studentID+": "+title)
	return nil
}

func newTestService(store *storage.MemoryStore) (*Service, *recorder, *fakeNotifier) {
	rec := &recorder{}
	not := &fakeNotifier{}
	svc := &Service{
		Store:         store,
		Fleet:         store,
		Fabric:        rec,
		Notifier:      not,
		Limiter:       ratelimit.NewMemoryLimiter(3, 10*time.Minute),
		TTL:           10 * time.Minute,
		SweepInterval: 30 * time.Second,
		Logger:        logging.NewLogger("error"),
	}
	return svc, rec, not
}

func TestRaiseApprovesWhenCandidateExists(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedBus(models.Bus{ID: "BUS-1", RouteID: "R1", Status: "active", SeatsAvailable: 5})
	store.SeedBus(models.Bus{ID: "BUS-2", RouteID: "R1", Status: "active", SeatsAvailable: 3})
	svc, rec, not := newTestService(store)

	res, err := svc.Raise(context.Background(), "s1", "op-1", "R1", "stop-1", "BUS-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != StageCreated {
		t.Fatalf("stage: %s", res.Stage)
	}
	if res.Request.Status != models.RequestApproved {
		t.Fatalf("status: %s", res.Request.Status)
	}
	// the missed bus itself is never the candidate
	if res.Request.CandidateBus != "BUS-2" {
		t.Fatalf("candidate: %s", res.Request.CandidateBus)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one match-result publish, got %d", rec.count())
	}
	if len(not.sends) != 1 {
		t.Fatalf("expected one push, got %v", not.sends)
	}
}

func TestRaiseIdempotentReplay(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedBus(models.Bus{ID: "BUS-2", RouteID: "R1", Status: "active", SeatsAvailable: 3})
	svc, _, _ := newTestService(store)
	ctx := context.Background()

	first, err := svc.Raise(ctx, "s1", "op-1", "R1", "stop-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	replay, err := svc.Raise(ctx, "s1", "op-1", "R1", "stop-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if replay.Stage != StageCreated || replay.Request.ID != first.Request.ID {
		t.Fatalf("replay produced a different request: %+v vs %+v", replay.Request, first.Request)
	}
	reqs, _ := store.PendingRequests(ctx)
	if len(reqs) != 0 { // approved, so none pending
		t.Fatalf("unexpected pending requests: %v", reqs)
	}
}

func TestRaiseDuplicateWhilePending(t *testing.T) {
	store := storage.NewMemoryStore() // no buses: request stays pending
	svc, _, _ := newTestService(store)
	ctx := context.Background()

	first, err := svc.Raise(ctx, "s1", "op-1", "R1", "stop-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Request.Status != models.RequestPending {
		t.Fatalf("expected pending with no candidates, got %s", first.Request.Status)
	}
	// new operation id while the first is still open
	second, err := svc.Raise(ctx, "s1", "op-2", "R1", "stop-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.Stage != StageDuplicate || second.Request.ID != first.Request.ID {
		t.Fatalf("expected duplicate rejection, got %+v", second)
	}
	pending, _ := store.PendingRequests(ctx)
	if len(pending) != 1 {
		t.Fatalf("duplicate created a second request: %d", len(pending))
	}
}

func TestRaiseRateLimited(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _, _ := newTestService(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := svc.Raise(ctx, "s1", "op-"+string(rune('a'+i)), "R1", "stop-1", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Stage != StageCreated {
			t.Fatalf("attempt %d: %s", i, res.Stage)
		}
		// close it out so the single-pending gate is not what stops us
		if err := svc.Cancel(ctx, res.Request.ID, "s1"); err != nil {
			t.Fatal(err)
		}
	}
	res, err := svc.Raise(ctx, "s1", "op-z", "R1", "stop-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != StageRateLimited {
		t.Fatalf("expected rate_limited, got %s", res.Stage)
	}
}

func TestRaiseMaintenanceShortCircuits(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _, _ := newTestService(store)
	svc.Maintenance = true

	res, err := svc.Raise(context.Background(), "s1", "op-1", "R1", "stop-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != StageMaintenance || res.Request != nil {
		t.Fatalf("expected maintenance short-circuit, got %+v", res)
	}
}

func TestCancelOwnerOnlyAndRaceSilent(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _, _ := newTestService(store)
	ctx := context.Background()

	res, _ := svc.Raise(ctx, "s1", "op-1", "R1", "stop-1", "", nil)
	if err := svc.Cancel(ctx, res.Request.ID, "s2"); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := svc.Cancel(ctx, res.Request.ID, "s1"); err != nil {
		t.Fatal(err)
	}
	// cancel after terminal resolves silently
	if err := svc.Cancel(ctx, res.Request.ID, "s1"); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
}

func TestSweepExpiresAndNotifiesOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, rec, not := newTestService(store)
	clock := time.Now()
	svc.Now = func() time.Time { return clock }
	ctx := context.Background()

	res, _ := svc.Raise(ctx, "s1", "op-1", "R1", "stop-1", "", nil)
	if res.Request.Status != models.RequestPending {
		t.Fatalf("setup: %s", res.Request.Status)
	}

	clock = clock.Add(11 * time.Minute)
	if err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _, _ := store.Request(ctx, res.Request.ID)
	if got.Status != models.RequestExpired {
		t.Fatalf("status: %s", got.Status)
	}
	if rec.count() != 1 || len(not.sends) != 1 {
		t.Fatalf("expected exactly one notification, got publishes=%d pushes=%d", rec.count(), len(not.sends))
	}
	// second sweep is a no-op
	if err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if rec.count() != 1 || len(not.sends) != 1 {
		t.Fatal("rider notified more than once")
	}
}

func TestSweepRetriesMatchingBeforeDeadline(t *testing.T) {
	store := storage.NewMemoryStore()
	svc, _, _ := newTestService(store)
	ctx := context.Background()

	res, _ := svc.Raise(ctx, "s1", "op-1", "R1", "stop-1", "", nil)
	if res.Request.Status != models.RequestPending {
		t.Fatalf("setup: %s", res.Request.Status)
	}

	// a bus frees up after the initial search
	store.SeedBus(models.Bus{ID: "BUS-9", RouteID: "R1", Status: "active", SeatsAvailable: 1})
	if err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _, _ := store.Request(ctx, res.Request.ID)
	if got.Status != models.RequestApproved || got.CandidateBus != "BUS-9" {
		t.Fatalf("sweep did not rematch: %+v", got)
	}
}

func TestCandidateRequiresSeats(t *testing.T) {
	store := storage.NewMemoryStore()
	store.SeedBus(models.Bus{ID: "BUS-1", RouteID: "R1", Status: "active", SeatsAvailable: 0})
	store.SeedBus(models.Bus{ID: "BUS-2", RouteID: "R2", Status: "active", SeatsAvailable: 5})
	svc, _, _ := newTestService(store)

	res, err := svc.Raise(context.Background(), "s1", "op-1", "R1", "stop-1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	// full bus and wrong-route bus are both ineligible
	if res.Request.Status != models.RequestPending {
		t.Fatalf("expected pending, got %s", res.Request.Status)
	}
}
