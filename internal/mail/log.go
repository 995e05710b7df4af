package mail

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogProvider logs instead of sending. Development and test sink.
type LogProvider struct {
	logger *zap.Logger
}

// NewLogProvider creates the development provider.
func NewLogProvider(logger *zap.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

// Send logs the email and fabricates a message id so the rest of the
// pipeline (audit log, webhook matching) behaves as in production.
func (p *LogProvider) Send(ctx context.Context, email *Email) (string, error) {
	id := "log-" + uuid.NewString()

	p.logger.Info("email logged (development mode)",
		zap.Strings("to", email.To),
		zap.String("subject", email.Subject),
		zap.Bool("has_attachment", email.Attachment != nil),
		zap.String("message_id", id),
	)

	return id, nil
}
