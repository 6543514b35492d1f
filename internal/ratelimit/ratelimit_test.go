package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestUnlimitedWhenZero(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("c1"); err != nil {
			t.Fatalf("unlimited limiter denied request %d: %v", i, err)
		}
	}
}

func TestBurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("c1"); err != nil {
			t.Fatalf("request %d denied: %v", i, err)
		}
	}
	if err := l.Allow("c1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestClientsIsolated(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("c1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("c1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("c1 not limited: %v", err)
	}
	// A different client still has a full bucket.
	if err := l.Allow("c2"); err != nil {
		t.Errorf("c2 denied by c1's exhaustion: %v", err)
	}
}

func TestRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1})

	if err := l.Allow("c1"); err != nil {
		t.Fatal(err)
	}
	// 100 tokens/s: backdate the bucket instead of sleeping.
	l.mu.Lock()
	l.clients["c1"].lastFill = l.clients["c1"].lastFill.Add(-100 * time.Millisecond)
	l.mu.Unlock()

	if err := l.Allow("c1"); err != nil {
		t.Errorf("bucket did not refill: %v", err)
	}
}

func TestSweepReclaimsIdleBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("idle"); err != nil {
		t.Fatal(err)
	}

	// Backdate far enough that the lazy refill would have restored the
	// bucket to full, then force a sweep.
	l.mu.Lock()
	l.clients["idle"].lastFill = time.Now().Add(-idleAfter - time.Minute)
	l.sweepIdle(time.Now())
	_, kept := l.clients["idle"]
	l.mu.Unlock()

	if kept {
		t.Error("idle full bucket survived the sweep")
	}
}

func TestSweepKeepsDrainedBuckets(t *testing.T) {
	// One token a minute with a large burst: ten idle minutes refill
	// only a fraction of the bucket, so dropping it would hand the
	// client a fresh burst early.
	l := NewLimiter(Config{RequestsPerMinute: 1, BurstSize: 100})

	l.mu.Lock()
	l.clients["drained"] = &bucket{tokens: 0, lastFill: time.Now().Add(-idleAfter - time.Minute)}
	l.sweepIdle(time.Now())
	_, kept := l.clients["drained"]
	l.mu.Unlock()

	if !kept {
		t.Error("drained bucket reclaimed before its refill completed")
	}
}
