package mail

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 3, RecoveryTimeout: time.Hour}, zap.NewNop())

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("breaker rejected call %d while closed", i)
		}
		b.RecordFailure()
	}

	if b.Allow() {
		t.Error("breaker allowed call after reaching failure threshold")
	}
	if b.State() != "open" {
		t.Errorf("expected open state, got %s", b.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 3, RecoveryTimeout: time.Hour}, zap.NewNop())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if !b.Allow() {
		t.Error("breaker opened despite intervening success")
	}
}

func TestBreakerProbesAfterRecoveryTimeout(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, RecoveryTimeout: 10 * time.Millisecond}, zap.NewNop())

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("breaker should allow a probe after the recovery timeout")
	}
	// Only one probe at a time
	if b.Allow() {
		t.Error("breaker allowed a second concurrent probe")
	}

	b.RecordSuccess()
	if b.State() != "closed" {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("breaker should allow traffic after closing")
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 1, RecoveryTimeout: 10 * time.Millisecond}, zap.NewNop())

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.Allow() {
		t.Fatal("expected probe to be allowed")
	}
	b.RecordFailure()

	if b.State() != "open" {
		t.Errorf("expected open after failed probe, got %s", b.State())
	}
	if b.Allow() {
		t.Error("breaker allowed traffic immediately after failed probe")
	}
}
