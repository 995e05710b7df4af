package mail

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/metrics"
)

// ClientConfig tunes the retry policy.
type ClientConfig struct {
	// MaxAttempts is the total attempt ceiling including the first call.
	MaxAttempts int

	// BaseDelay scales the wait between attempts: attempt N failing waits
	// N * BaseDelay before attempt N+1 (5s after the first failure, 10s
	// after the second with the default). No wait precedes the first
	// attempt or follows the last.
	BaseDelay time.Duration
}

// Client sends one email through the provider with bounded retry. Retries
// block only the calling goroutine; no lock is held while sleeping.
type Client struct {
	provider Provider
	breaker  *Breaker // nil disables fail-fast protection
	config   ClientConfig
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// NewClient creates a delivery client. breaker may be nil.
func NewClient(provider Provider, breaker *Breaker, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}

	return &Client{
		provider: provider,
		breaker:  breaker,
		config:   cfg,
		sleep:    sleepCtx,
		logger:   logger,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send submits the email, retrying transient provider failures up to the
// attempt ceiling. Permanent rejections (4xx validation, invalid recipient)
// fail immediately without spending the remaining budget. The returned
// message id is the join key for webhook reconciliation.
func (c *Client) Send(ctx context.Context, email *Email) (string, error) {
	start := time.Now()
	defer func() {
		metrics.RecordProviderSendDuration(time.Since(start))
	}()

	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if c.breaker != nil && !c.breaker.Allow() {
			metrics.RecordProviderAttempt("rejected")
			return "", &DeliveryFailedError{Attempts: attempt - 1, Err: ErrProviderUnavailable}
		}

		messageID, err := c.provider.Send(ctx, email)
		if err == nil {
			if c.breaker != nil {
				c.breaker.RecordSuccess()
			}
			metrics.RecordProviderAttempt("ok")

			c.logger.Info("email sent",
				zap.String("message_id", messageID),
				zap.String("subject", email.Subject),
				zap.Int("attempt", attempt),
			)
			return messageID, nil
		}

		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		lastErr = err

		if isPermanent(err) {
			metrics.RecordProviderAttempt("permanent")
			c.logger.Error("permanent provider rejection, not retrying",
				zap.Error(err),
				zap.Int("attempt", attempt),
			)
			return "", &DeliveryFailedError{Attempts: attempt, Err: err}
		}

		metrics.RecordProviderAttempt("transient")
		c.logger.Warn("transient send failure",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.config.MaxAttempts),
		)

		if attempt < c.config.MaxAttempts {
			delay := time.Duration(attempt) * c.config.BaseDelay
			if err := c.sleep(ctx, delay); err != nil {
				return "", &DeliveryFailedError{Attempts: attempt, Err: err}
			}
		}
	}

	c.logger.Error("delivery failed, retry budget exhausted",
		zap.Error(lastErr),
		zap.Int("attempts", c.config.MaxAttempts),
	)

	return "", &DeliveryFailedError{Attempts: c.config.MaxAttempts, Err: lastErr}
}

// isPermanent reports whether the provider classified the failure as not
// worth retrying. Transport-level errors never carry a classification and
// default to transient.
func isPermanent(err error) bool {
	var pErr *ProviderError
	return errors.As(err, &pErr) && pErr.Permanent
}
