package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/storage"
)

// fakeGeo implements GeoUpdater for tests
type fakeGeo struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
}

func (f *fakeGeo) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeGeo) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func sample() models.PositionSample {
	return models.PositionSample{
		BusID: "BUS-1", RouteID: "R1", Lat: 12.97, Lng: 77.59,
		CapturedAt: time.Now(),
	}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	store := storage.NewMemoryStore()
	f := &fakeGeo{failGeo: 1}
	sink := &storeSink{history: store, geo: f, geoKey: "buses_geo"}

	start := time.Now()
	if err := applyWithRetry(context.Background(), sink, sample(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 {
		t.Fatalf("expected retries, got geo=%d", f.geoCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	store := storage.NewMemoryStore()
	f := &fakeGeo{failGeo: 5}
	sink := &storeSink{history: store, geo: f, geoKey: "buses_geo"}

	if err := applyWithRetry(context.Background(), sink, sample(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestStoreSinkAppendsHistory(t *testing.T) {
	store := storage.NewMemoryStore()
	sink := &storeSink{history: store, geo: &fakeGeo{}, geoKey: "buses_geo"}

	if err := sink.Apply(context.Background(), sample()); err != nil {
		t.Fatal(err)
	}
	if store.HistoryLen() != 1 {
		t.Fatalf("history rows: %d", store.HistoryLen())
	}
}
