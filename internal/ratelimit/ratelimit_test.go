package ratelimit

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := NewLimiter(cfg)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	if l.Enabled() {
		t.Fatal("zero config should be unlimited")
	}
	for i := 0; i < 100; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}

	var nilLimiter *Limiter
	if err := nilLimiter.Allow("a"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}

func TestLimiter_BurstAndRefill(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("Allow #%d within burst: %v", i, err)
		}
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th Allow = %v, want ErrRateLimited", err)
	}

	// Other callers have their own bucket.
	if err := l.Allow("b"); err != nil {
		t.Errorf("independent caller limited: %v", err)
	}

	*now = now.Add(time.Second) // one token at 1/s
	if err := l.Allow("a"); err != nil {
		t.Errorf("Allow after refill: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Allow after refill = %v", err)
	}
}

func TestLimiter_BurstDefaultsToRate(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 2})
	for i := 0; i < 2; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("3rd Allow = %v", err)
	}
}

func TestLimiter_PrunesIdleBuckets(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	for i := 0; i < idleBuckets; i++ {
		_ = l.Allow(fmt.Sprintf("caller-%d", i))
	}
	*now = now.Add(time.Minute)
	_ = l.Allow("new")
	if n := len(l.buckets); n != 1 {
		t.Errorf("buckets after prune = %d, want 1", n)
	}
}
