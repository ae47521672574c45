package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/patrickwarner/adguard/internal/observability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func useFakeClock(t *testing.T) *fakeClock {
	c := &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	orig := nowFn
	nowFn = c.Now
	t.Cleanup(func() { nowFn = orig })
	return c
}

func TestTokenBucket_Allow(t *testing.T) {
	useFakeClock(t)
	bucket := NewTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
	}
	if bucket.Allow() {
		t.Error("Expected 6th request to be blocked")
	}

	hits, total := bucket.Stats()
	if hits != 1 {
		t.Errorf("Expected 1 hit, got %d", hits)
	}
	if total != 6 {
		t.Errorf("Expected 6 total requests, got %d", total)
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	clock := useFakeClock(t)
	bucket := NewTokenBucket(2, 10)

	bucket.Allow()
	bucket.Allow()
	ok, wait := bucket.take()
	if ok {
		t.Fatal("Expected request to be blocked")
	}
	if wait != 100*time.Millisecond {
		t.Errorf("Expected 100ms until the next token, got %v", wait)
	}

	clock.Advance(150 * time.Millisecond)
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after refill")
	}
	// the remaining 50ms carries over toward the next token
	clock.Advance(50 * time.Millisecond)
	if !bucket.Allow() {
		t.Error("Expected fractional refill to carry over")
	}
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	clock := useFakeClock(t)
	bucket := NewTokenBucket(3, 100)

	clock.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 10; i++ {
		if bucket.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("Expected 3 allowed after a long idle period, got %d", allowed)
	}
}

func TestTenantLimiter_IsolatesTenants(t *testing.T) {
	useFakeClock(t)
	limiter := NewTenantLimiter(Config{Capacity: 2, RefillRate: 1, Enabled: true}, observability.NewNoOpRegistry())

	limiter.Allow("t1")
	limiter.Allow("t1")
	if limiter.Allow("t1") {
		t.Error("Expected tenant t1 to be limited")
	}
	if !limiter.Allow("t2") {
		t.Error("Expected tenant t2 to be unaffected")
	}

	stats := limiter.GetStats()
	if stats["t1"].Hits != 1 || stats["t1"].Total != 3 {
		t.Errorf("Unexpected stats for t1: %+v", stats["t1"])
	}
}

func TestTenantLimiter_Disabled(t *testing.T) {
	limiter := NewTenantLimiter(Config{Capacity: 1, RefillRate: 1, Enabled: false}, nil)
	for i := 0; i < 10; i++ {
		if !limiter.Allow("t1") {
			t.Fatal("Expected disabled limiter to allow everything")
		}
	}
	if err := limiter.Wait(context.Background(), "t1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
}

func TestTenantLimiter_WaitHonorsContext(t *testing.T) {
	useFakeClock(t)
	limiter := NewTenantLimiter(Config{Capacity: 1, RefillRate: 1, Enabled: true}, nil)

	if err := limiter.Wait(context.Background(), "t1"); err != nil {
		t.Fatalf("Expected first wait to succeed, got %v", err)
	}

	// the fake clock never advances, so only the context can end the wait
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx, "t1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestTenantLimiter_WaitReturnsWhenTokenArrives(t *testing.T) {
	clock := useFakeClock(t)
	limiter := NewTenantLimiter(Config{Capacity: 1, RefillRate: 1, Enabled: true}, nil)
	limiter.Allow("t1")

	done := make(chan error, 1)
	go func() { done <- limiter.Wait(context.Background(), "t1") }()

	time.Sleep(10 * time.Millisecond)
	clock.Advance(time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected wait to succeed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return after a token became available")
	}
}
