package interp

import (
	"math"
	"testing"
	"time"

	"github.com/example/campus-transit/internal/models"
)

func TestFirstSampleSnaps(t *testing.T) {
	i := New(5 * time.Second)
	now := time.Now()
	i.Retarget(models.Coord{Lat: 1, Lng: 2}, now)
	got := i.At(now)
	if got.Lat != 1 || got.Lng != 2 {
		t.Fatalf("first sample should snap, got %+v", got)
	}
	if !i.Settled(now) {
		t.Fatal("should be settled after snap")
	}
}

func TestEaseOutProgression(t *testing.T) {
	i := New(5 * time.Second)
	now := time.Now()
	i.Retarget(models.Coord{Lat: 0, Lng: 0}, now)
	i.Retarget(models.Coord{Lat: 1, Lng: 0}, now)

	// ease-out: more than half the distance covered at half time
	mid := i.At(now.Add(2500 * time.Millisecond))
	if mid.Lat <= 0.5 || mid.Lat >= 1 {
		t.Fatalf("expected ease-out past midpoint, got %f", mid.Lat)
	}
	// exact curve value at p=0.5 is 0.75
	if math.Abs(mid.Lat-0.75) > 1e-9 {
		t.Fatalf("expected 0.75 at half window, got %f", mid.Lat)
	}
	end := i.At(now.Add(5 * time.Second))
	if end.Lat != 1 {
		t.Fatalf("expected target at window end, got %f", end.Lat)
	}
	// holds after completion
	later := i.At(now.Add(30 * time.Second))
	if later.Lat != 1 {
		t.Fatalf("expected hold at target, got %f", later.Lat)
	}
}

func TestRetargetMidFlightIsContinuous(t *testing.T) {
	i := New(5 * time.Second)
	now := time.Now()
	i.Retarget(models.Coord{Lat: 0, Lng: 0}, now)
	i.Retarget(models.Coord{Lat: 1, Lng: 0}, now)

	halfway := now.Add(2500 * time.Millisecond)
	before := i.At(halfway)

	// new sample lands mid-flight; displayed position must not jump
	i.Retarget(models.Coord{Lat: 2, Lng: 0}, halfway)
	after := i.At(halfway)
	if math.Abs(after.Lat-before.Lat) > 1e-9 {
		t.Fatalf("discontinuity on retarget: %f -> %f", before.Lat, after.Lat)
	}
	// and it now heads for the new target
	end := i.At(halfway.Add(5 * time.Second))
	if end.Lat != 2 {
		t.Fatalf("expected new target, got %f", end.Lat)
	}
}
