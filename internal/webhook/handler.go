package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/db"
	"github.com/scaile-gtm/courier/internal/metrics"
)

// maxBodyBytes caps webhook payloads. Provider events are small JSON
// documents; anything larger is hostile.
const maxBodyBytes = 256 * 1024

// eventMapping pairs the audit status and timestamp column set by one
// provider event type.
type eventMapping struct {
	status string
	column string
}

// eventMappings is the closed set of provider event types we reconcile.
// Anything else is acknowledged and dropped.
var eventMappings = map[string]eventMapping{
	"email.delivered":  {status: db.StatusDelivered, column: "delivered_at"},
	"email.opened":     {status: db.StatusOpened, column: "opened_at"},
	"email.clicked":    {status: db.StatusClicked, column: "clicked_at"},
	"email.bounced":    {status: db.StatusBounced, column: "bounced_at"},
	"email.complained": {status: db.StatusComplained, column: "complained_at"},
}

// Reconciler is the repository surface the handler needs.
type Reconciler interface {
	ApplyProviderEvent(ctx context.Context, messageID, status, timestampColumn string, occurredAt time.Time, rawEvent json.RawMessage) (int64, error)
}

// event is the provider's webhook payload shape.
type event struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		EmailID string `json:"email_id"`
	} `json:"data"`
}

// Handler verifies and applies provider delivery events.
type Handler struct {
	verifier *Verifier
	store    Reconciler
	logger   *zap.Logger
}

// NewHandler creates the webhook handler.
func NewHandler(verifier *Verifier, store Reconciler, logger *zap.Logger) *Handler {
	return &Handler{
		verifier: verifier,
		store:    store,
		logger:   logger,
	}
}

// ServeHTTP handles POST /webhooks/email. Verification failures return a
// bare 401 with no detail about which check failed. Events for unknown
// message ids or unknown types are acknowledged with 200 so the provider
// stops retrying them.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(r.Header, body); err != nil {
		h.logger.Warn("rejected webhook with invalid signature",
			zap.String("remote_addr", r.RemoteAddr),
		)
		metrics.RecordWebhookEvent("unknown", "rejected")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var evt event
	if err := json.Unmarshal(body, &evt); err != nil {
		h.logger.Warn("malformed webhook payload", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	mapping, known := eventMappings[evt.Type]
	if !known {
		h.logger.Debug("ignoring unhandled webhook event type",
			zap.String("event_type", evt.Type),
		)
		metrics.RecordWebhookEvent(evt.Type, "ignored")
		writeAck(w)
		return
	}

	if evt.Data.EmailID == "" {
		h.logger.Warn("webhook event missing email id",
			zap.String("event_type", evt.Type),
		)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	occurredAt := evt.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	updated, err := h.store.ApplyProviderEvent(r.Context(),
		evt.Data.EmailID, mapping.status, mapping.column, occurredAt, body)
	if err != nil {
		h.logger.Error("failed to apply webhook event",
			zap.Error(err),
			zap.String("event_type", evt.Type),
			zap.String("provider_message_id", evt.Data.EmailID),
		)
		metrics.RecordWebhookEvent(evt.Type, "error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if updated == 0 {
		// Either the event raced ahead of the audit insert or it belongs
		// to a send we don't track. Acknowledge so the provider moves on.
		h.logger.Info("webhook event matched no audit row",
			zap.String("event_type", evt.Type),
			zap.String("provider_message_id", evt.Data.EmailID),
		)
		metrics.RecordWebhookEvent(evt.Type, "unmatched")
	} else {
		h.logger.Info("applied webhook event",
			zap.String("event_type", evt.Type),
			zap.String("provider_message_id", evt.Data.EmailID),
			zap.String("status", mapping.status),
		)
		metrics.RecordWebhookEvent(evt.Type, "applied")
	}

	writeAck(w)
}

func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"received":true}`))
}
