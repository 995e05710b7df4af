// Package attach decides whether a binary payload rides along as an email
// attachment or gets uploaded to object storage and linked instead.
package attach

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/metrics"
)

// DefaultThresholdBytes is the largest payload inlined into the email
// itself. Providers reject multi-megabyte messages outright, and mail
// clients truncate them.
const DefaultThresholdBytes = 2 << 20 // 2 MiB

// StorageError wraps an upload failure. The dispatcher treats it as fatal
// for the whole send: an email silently missing its attachment is worse
// than no email.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("attachment storage: %v", e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Inline is an attachment descriptor handed to the delivery client.
type Inline struct {
	Filename string
	Content  []byte
}

// Routed is the outcome of a routing decision: exactly one of Inline or
// DownloadURL is set.
type Routed struct {
	Inline      *Inline
	DownloadURL string
}

// Uploader stores oversized payloads and returns a time-bounded URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Router applies the size threshold.
type Router struct {
	uploader  Uploader
	threshold int64
	logger    *zap.Logger
}

// NewRouter creates a router. A threshold <= 0 selects the default.
func NewRouter(uploader Uploader, threshold int64, logger *zap.Logger) *Router {
	if threshold <= 0 {
		threshold = DefaultThresholdBytes
	}

	return &Router{
		uploader:  uploader,
		threshold: threshold,
		logger:    logger,
	}
}

// Route inlines payloads up to and including the threshold; anything larger
// is uploaded under key and replaced by a download URL.
func (r *Router) Route(ctx context.Context, key, filename string, data []byte, contentType string) (*Routed, error) {
	if int64(len(data)) <= r.threshold {
		metrics.RecordAttachmentRoute("inline")
		return &Routed{Inline: &Inline{Filename: filename, Content: data}}, nil
	}

	if r.uploader == nil {
		return nil, &StorageError{Err: fmt.Errorf("no uploader configured for %d byte payload", len(data))}
	}

	url, err := r.uploader.Upload(ctx, key, data, contentType)
	if err != nil {
		r.logger.Error("attachment upload failed",
			zap.Error(err),
			zap.String("key", key),
			zap.Int("size_bytes", len(data)),
		)
		return nil, &StorageError{Err: err}
	}

	r.logger.Info("attachment routed to storage",
		zap.String("key", key),
		zap.Int("size_bytes", len(data)),
	)
	metrics.RecordAttachmentRoute("storage")

	return &Routed{DownloadURL: url}, nil
}
