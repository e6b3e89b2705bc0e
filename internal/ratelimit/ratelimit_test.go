package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterBlocksOverLimit(t *testing.T) {
	l := NewMemoryLimiter(3, 10*time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "s1")
		if err != nil || !ok {
			t.Fatalf("hit %d should pass", i)
		}
	}
	if ok, _ := l.Allow(ctx, "s1"); ok {
		t.Fatal("fourth hit should be blocked")
	}
	// a different rider is unaffected
	if ok, _ := l.Allow(ctx, "s2"); !ok {
		t.Fatal("independent key blocked")
	}
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	l := NewMemoryLimiter(2, 10*time.Minute)
	clock := time.Now()
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	l.Allow(ctx, "s1")
	l.Allow(ctx, "s1")
	if ok, _ := l.Allow(ctx, "s1"); ok {
		t.Fatal("should be at limit")
	}
	clock = clock.Add(11 * time.Minute)
	if ok, _ := l.Allow(ctx, "s1"); !ok {
		t.Fatal("window should have slid past old hits")
	}
}
