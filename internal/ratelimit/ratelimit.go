// Package ratelimit implements a per-identity sliding window limiter for
// the notification dispatch path. State is in-process and best-effort: it
// is rebuilt empty on restart, which is acceptable for email rate shaping.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config defines rate limiting parameters.
type Config struct {
	Limit  int           // Maximum calls allowed per window
	Window time.Duration // Trailing window length
}

// Limiter tracks recent call timestamps per identity. Each identity carries
// its own lock so concurrent checks for unrelated users never serialize;
// the outer mutex only guards the map itself.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	config  Config
	now     func() time.Time
	logger  *zap.Logger
}

type window struct {
	mu    sync.Mutex
	calls []time.Time
}

// New creates a limiter with the given configuration.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	return &Limiter{
		windows: make(map[string]*window),
		config:  cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock overrides the time source. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow reports whether the identity may trigger another notification.
// Entries older than the window are pruned on every check; a denied call
// is not recorded, so denials never extend the window.
func (l *Limiter) Allow(identity string) bool {
	w := l.window(identity)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.config.Window)

	// Prune in place; timestamps are appended in order, so the kept
	// suffix starts at the first entry inside the window.
	kept := w.calls[:0]
	for _, t := range w.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.calls = kept

	if len(w.calls) >= l.config.Limit {
		l.logger.Debug("rate limit exceeded",
			zap.String("identity", identity),
			zap.Int("calls_in_window", len(w.calls)),
			zap.Int("limit", l.config.Limit),
		)
		return false
	}

	w.calls = append(w.calls, now)
	return true
}

// Remaining returns how many calls the identity has left in the current
// window without recording one.
func (l *Limiter) Remaining(identity string) int {
	w := l.window(identity)

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := l.now().Add(-l.config.Window)
	count := 0
	for _, t := range w.calls {
		if t.After(cutoff) {
			count++
		}
	}

	if remaining := l.config.Limit - count; remaining > 0 {
		return remaining
	}
	return 0
}

// Reset drops all recorded calls for an identity. Operator escape hatch.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	delete(l.windows, identity)
	l.mu.Unlock()
}

// Sweep removes identities with no calls inside the window. Without this a
// long-running process accumulates one entry per identity ever seen.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for identity, w := range l.windows {
		w.mu.Lock()
		idle := len(w.calls) == 0 || !w.calls[len(w.calls)-1].After(cutoff)
		w.mu.Unlock()

		if idle {
			delete(l.windows, identity)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("rate limiter sweep", zap.Int("removed", removed))
	}

	return removed
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Limiter) window(identity string) *window {
	l.mu.RLock()
	w, ok := l.windows[identity]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[identity]; ok {
		return w
	}
	w = &window{}
	l.windows[identity] = w
	return w
}
