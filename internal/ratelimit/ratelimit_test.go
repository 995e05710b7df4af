package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := New(Config{Limit: 5, Window: time.Minute}, zap.NewNop())

	for i := 0; i < 5; i++ {
		if !limiter.Allow("user-a") {
			t.Fatalf("call %d should be allowed", i)
		}
	}

	if limiter.Allow("user-a") {
		t.Fatal("call over the limit should be denied")
	}
}

func TestLimiter_DenialDoesNotCount(t *testing.T) {
	limiter := New(Config{Limit: 2, Window: time.Minute}, zap.NewNop())

	limiter.Allow("user-a")
	limiter.Allow("user-a")

	// Repeated denied calls must not extend the window
	for i := 0; i < 10; i++ {
		if limiter.Allow("user-a") {
			t.Fatalf("denied call %d should stay denied", i)
		}
	}

	if got := limiter.Remaining("user-a"); got != 0 {
		t.Errorf("expected remaining 0, got %d", got)
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	now := time.Now()
	current := now
	limiter := New(Config{Limit: 2, Window: time.Minute}, zap.NewNop()).
		WithClock(func() time.Time { return current })

	if !limiter.Allow("user-a") || !limiter.Allow("user-a") {
		t.Fatal("first two calls should be allowed")
	}
	if limiter.Allow("user-a") {
		t.Fatal("third call should be denied")
	}

	// Advance past the window: old entries evict lazily on the next check
	current = now.Add(61 * time.Second)
	if !limiter.Allow("user-a") {
		t.Fatal("call after window elapsed should be allowed")
	}
}

func TestLimiter_SeparateIdentities(t *testing.T) {
	limiter := New(Config{Limit: 1, Window: time.Minute}, zap.NewNop())

	if !limiter.Allow("user-a") {
		t.Fatal("user-a should be allowed")
	}
	if !limiter.Allow("user-b") {
		t.Fatal("user-b has its own window")
	}
	if limiter.Allow("user-a") {
		t.Fatal("user-a should be denied")
	}
}

func TestLimiter_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	const limit = 10
	const callers = 100

	limiter := New(Config{Limit: limit, Window: time.Minute}, zap.NewNop())

	var allowed int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if limiter.Allow("user-a") {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if allowed != limit {
		t.Errorf("expected exactly %d allowed under contention, got %d", limit, allowed)
	}
}

func TestLimiter_ConcurrentIdentitiesIndependent(t *testing.T) {
	limiter := New(Config{Limit: 3, Window: time.Minute}, zap.NewNop())

	var wg sync.WaitGroup
	var denied int64

	for i := 0; i < 50; i++ {
		identity := string(rune('a' + i%26))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 2; j++ {
				if !limiter.Allow("id-" + id) {
					atomic.AddInt64(&denied, 1)
				}
			}
		}(identity)
	}

	wg.Wait()

	// 26 identities, at most ~4 calls each against a limit of 3; every
	// identity sees at least its first 3 calls allowed, so denials stay
	// bounded and no identity is starved by another's traffic.
	if denied > 26 {
		t.Errorf("unexpected denial count: %d", denied)
	}
}

func TestLimiter_Reset(t *testing.T) {
	limiter := New(Config{Limit: 1, Window: time.Minute}, zap.NewNop())

	limiter.Allow("user-a")
	if limiter.Allow("user-a") {
		t.Fatal("should be denied before reset")
	}

	limiter.Reset("user-a")

	if !limiter.Allow("user-a") {
		t.Fatal("should be allowed after reset")
	}
}

func TestLimiter_SweepRemovesIdleIdentities(t *testing.T) {
	now := time.Now()
	current := now
	limiter := New(Config{Limit: 5, Window: time.Minute}, zap.NewNop()).
		WithClock(func() time.Time { return current })

	limiter.Allow("idle-user")
	limiter.Allow("active-user")

	current = now.Add(2 * time.Minute)
	limiter.Allow("active-user")

	removed := limiter.Sweep()
	if removed != 1 {
		t.Errorf("expected 1 identity removed, got %d", removed)
	}

	limiter.mu.RLock()
	_, idleExists := limiter.windows["idle-user"]
	_, activeExists := limiter.windows["active-user"]
	limiter.mu.RUnlock()

	if idleExists {
		t.Error("idle identity should have been swept")
	}
	if !activeExists {
		t.Error("active identity should survive the sweep")
	}
}

// StartSweeper blocks its caller until the context is cancelled, so it must
// run on its own goroutine; a caller that invokes it inline never proceeds.
func TestLimiter_StartSweeperRunsUntilCancelled(t *testing.T) {
	limiter := New(Config{Limit: 5, Window: time.Minute}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.StartSweeper(ctx, time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("sweeper returned while its context was still live")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
