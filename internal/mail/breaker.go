package mail

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrProviderUnavailable is returned while the breaker is open: the
// provider has been failing consistently and we fail fast instead of
// burning the retry budget against a dead endpoint.
var ErrProviderUnavailable = errors.New("email provider unavailable (circuit open)")

// breakerState tracks whether provider traffic flows.
//
//	closed    -> open:      consecutive failures reach the threshold
//	open      -> half-open: recovery timeout elapsed, one probe allowed
//	half-open -> closed:    probe succeeded
//	half-open -> open:      probe failed
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the provider circuit breaker.
type BreakerConfig struct {
	MaxFailures     int
	RecoveryTimeout time.Duration
}

// Breaker is a minimal circuit breaker in front of the email provider.
// One instance guards one provider; all dispatch goroutines share it.
type Breaker struct {
	mu sync.Mutex

	config BreakerConfig
	logger *zap.Logger

	state       breakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a breaker with the given thresholds.
func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	return &Breaker{
		config: cfg,
		logger: logger,
		state:  breakerClosed,
	}
}

// Allow reports whether a provider call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true

	case breakerOpen:
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.state = breakerHalfOpen
			b.probing = true
			b.logger.Info("provider breaker allowing probe")
			return true
		}
		return false

	case breakerHalfOpen:
		// One probe in flight at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true

	default:
		return false
	}
}

// RecordSuccess resets the failure count; a successful probe closes the
// circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false

	if b.state != breakerClosed {
		b.state = breakerClosed
		b.logger.Info("provider breaker closed, provider recovered")
	}
}

// RecordFailure counts a provider failure, opening the circuit at the
// threshold or re-opening it when a probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	b.probing = false

	switch b.state {
	case breakerClosed:
		if b.failures >= b.config.MaxFailures {
			b.state = breakerOpen
			b.logger.Warn("provider breaker opened",
				zap.Int("consecutive_failures", b.failures),
			)
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.logger.Warn("provider breaker re-opened, probe failed")
	}
}

// State returns the current state name for health reporting.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
