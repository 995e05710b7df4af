package observ

import (
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// InitSentry configures error monitoring. Returns false (without error)
// when no DSN is configured so callers can skip the flush on shutdown.
func InitSentry(dsn, env string, logger *zap.Logger) (bool, error) {
	if dsn == "" {
		logger.Info("sentry DSN not configured, error monitoring disabled")
		return false, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		TracesSampleRate: 0.1,
		SendDefaultPII:   false,
		AttachStacktrace: true,
	})
	if err != nil {
		return false, err
	}

	logger.Info("sentry initialized", zap.String("environment", env))
	return true, nil
}

// FlushSentry drains buffered events before process exit.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureSendFailure reports a notification delivery failure with enough
// context to group by notification type in the Sentry UI.
func CaptureSendFailure(err error, userID, notificationType string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: userID})
		scope.SetTag("notification_type", notificationType)
		sentry.CaptureException(err)
	})
}
