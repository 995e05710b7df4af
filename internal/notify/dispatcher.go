// Package notify is the dispatch core: it gates sends on user preferences,
// applies the per-user rate limit, renders the email, routes any attachment,
// pushes the message through the delivery client, and records the outcome in
// the audit log.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/attach"
	"github.com/scaile-gtm/courier/internal/db"
	"github.com/scaile-gtm/courier/internal/mail"
	"github.com/scaile-gtm/courier/internal/metrics"
	"github.com/scaile-gtm/courier/internal/observ"
)

// Store is the repository surface the dispatcher depends on.
type Store interface {
	GateStore
	InsertLog(ctx context.Context, log *db.NotificationLog) error
}

// Limiter bounds per-user send volume.
type Limiter interface {
	Allow(identity string) bool
}

// Renderer produces the HTML body for a notification kind.
type Renderer interface {
	Render(kind string, context map[string]any) (string, error)
}

// Sender delivers one email and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, email *mail.Email) (string, error)
}

// AttachmentRouter decides between inlining a payload and linking to it.
type AttachmentRouter interface {
	Route(ctx context.Context, key, filename string, data []byte, contentType string) (*attach.Routed, error)
}

// Config holds dispatcher settings.
type Config struct {
	FromEmail   string
	AppURL      string
	SendTimeout time.Duration
}

// Dispatcher runs the full send pipeline. Its methods never return an
// error: every outcome, including infrastructure failure, collapses into a
// Result so callers are insulated from notification problems.
type Dispatcher struct {
	store    Store
	gate     *Gate
	limiter  Limiter
	renderer Renderer
	router   AttachmentRouter
	sender   Sender
	config   Config
	logger   *zap.Logger
}

// NewDispatcher wires the pipeline.
func NewDispatcher(
	store Store,
	gate *Gate,
	limiter Limiter,
	renderer Renderer,
	router AttachmentRouter,
	sender Sender,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 60 * time.Second
	}

	return &Dispatcher{
		store:    store,
		gate:     gate,
		limiter:  limiter,
		renderer: renderer,
		router:   router,
		sender:   sender,
		config:   cfg,
		logger:   logger,
	}
}

// JobResults summarizes a finished processing job.
type JobResults struct {
	TotalRows             int     `json:"total_rows"`
	Successful            int     `json:"successful"`
	Failed                int     `json:"failed"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
}

// SendJobComplete notifies a user their job finished. csvData, when present,
// is the result file: small files ride along as an attachment, large ones
// become a download link in the email body.
func (d *Dispatcher) SendJobComplete(ctx context.Context, userID uuid.UUID, jobID string, results JobResults, csvData []byte) Result {
	subject := fmt.Sprintf("✅ Job Complete: %s/%s rows processed",
		formatCount(results.Successful), formatCount(results.TotalRows))

	tmplContext := map[string]any{
		"TotalRows":      formatCount(results.TotalRows),
		"Successful":     formatCount(results.Successful),
		"Failed":         formatCount(results.Failed),
		"ProcessingTime": formatDuration(results.ProcessingTimeSeconds),
		"JobID":          jobID,
		"AppURL":         d.config.AppURL,
		"DownloadURL":    "",
		"HasAttachment":  false,
	}

	return d.dispatch(ctx, dispatchRequest{
		userID:      userID,
		kind:        KindJobComplete,
		jobID:       &jobID,
		subject:     subject,
		tmplContext: tmplContext,
		csvData:     csvData,
	})
}

// SendJobFailed notifies a user their job failed.
func (d *Dispatcher) SendJobFailed(ctx context.Context, userID uuid.UUID, jobID, errorMessage string) Result {
	subject := "❌ Job Failed: " + shortID(jobID)

	return d.dispatch(ctx, dispatchRequest{
		userID:  userID,
		kind:    KindJobFailed,
		jobID:   &jobID,
		subject: subject,
		tmplContext: map[string]any{
			"JobID":        jobID,
			"ErrorMessage": errorMessage,
			"AppURL":       d.config.AppURL,
		},
	})
}

// SendQuotaWarning warns a user approaching their usage limit.
func (d *Dispatcher) SendQuotaWarning(ctx context.Context, userID uuid.UUID, currentUsage, limit int) Result {
	percent := usagePercent(currentUsage, limit)
	remaining := limit - currentUsage
	if remaining < 0 {
		remaining = 0
	}

	subject := fmt.Sprintf("⚠️ Quota Warning: %d%% used (%s calls remaining)",
		percent, formatCount(remaining))

	return d.dispatch(ctx, dispatchRequest{
		userID:  userID,
		kind:    KindQuotaWarning,
		subject: subject,
		tmplContext: map[string]any{
			"CurrentUsage": formatCount(currentUsage),
			"Limit":        formatCount(limit),
			"Percent":      percent,
			"Remaining":    formatCount(remaining),
			"AppURL":       d.config.AppURL,
		},
	})
}

// SendQuotaExceeded tells a user their quota is spent.
func (d *Dispatcher) SendQuotaExceeded(ctx context.Context, userID uuid.UUID, currentUsage, limit int) Result {
	subject := fmt.Sprintf("🚫 Quota Exceeded: %s/%s calls used",
		formatCount(currentUsage), formatCount(limit))

	return d.dispatch(ctx, dispatchRequest{
		userID:  userID,
		kind:    KindQuotaExceeded,
		subject: subject,
		tmplContext: map[string]any{
			"CurrentUsage": formatCount(currentUsage),
			"Limit":        formatCount(limit),
			"AppURL":       d.config.AppURL,
		},
	})
}

// SendWelcome greets a newly registered user. Exempt from the verified-email
// requirement since it is part of onboarding.
func (d *Dispatcher) SendWelcome(ctx context.Context, userID uuid.UUID) Result {
	return d.dispatch(ctx, dispatchRequest{
		userID:  userID,
		kind:    KindWelcome,
		subject: "Welcome to SCAILE 🎉",
		tmplContext: map[string]any{
			"AppURL": d.config.AppURL,
		},
	})
}

type dispatchRequest struct {
	userID      uuid.UUID
	kind        Kind
	jobID       *string
	subject     string
	tmplContext map[string]any
	csvData     []byte
}

func (d *Dispatcher) dispatch(ctx context.Context, req dispatchRequest) Result {
	decision := d.gate.Check(ctx, req.userID, req.kind)
	if !decision.Allowed {
		metrics.RecordDispatch(string(req.kind), "denied")
		return failureResult(decision.Reason)
	}

	if !d.limiter.Allow(req.userID.String()) {
		d.logger.Warn("notification rate limited",
			zap.String("user_id", req.userID.String()),
			zap.String("notification_type", string(req.kind)),
		)
		metrics.RecordDispatch(string(req.kind), "rate_limited")
		metrics.RecordRateLimitRejection("dispatch")
		return failureResult(ReasonRateLimited)
	}

	email := &mail.Email{
		From:    d.config.FromEmail,
		To:      []string{decision.Email},
		Subject: req.subject,
		Tags: []mail.Tag{
			{Name: "category", Value: string(req.kind)},
			{Name: "user_id", Value: req.userID.String()},
		},
	}
	if req.jobID != nil {
		email.Tags = append(email.Tags, mail.Tag{Name: "job_id", Value: *req.jobID})
	}

	if len(req.csvData) > 0 {
		key := fmt.Sprintf("%s/results/%s.csv", req.userID, derefOr(req.jobID, "export"))
		routed, err := d.router.Route(ctx, key, "results.csv", req.csvData, "text/csv")
		if err != nil {
			// An email without its promised attachment misleads the user,
			// so a storage failure fails the whole dispatch.
			d.logger.Error("attachment routing failed, aborting dispatch",
				zap.Error(err),
				zap.String("user_id", req.userID.String()),
			)
			d.recordFailure(ctx, req, decision.Email, err)
			observ.CaptureSendFailure(err, req.userID.String(), string(req.kind))
			metrics.RecordDispatch(string(req.kind), "failed")
			return failureResult(ReasonDeliveryFailed)
		}

		if routed.Inline != nil {
			email.Attachment = &mail.Attachment{
				Filename: routed.Inline.Filename,
				Content:  routed.Inline.Content,
			}
			req.tmplContext["HasAttachment"] = true
		} else {
			req.tmplContext["DownloadURL"] = routed.DownloadURL
		}
	}

	html, err := d.renderer.Render(string(req.kind), req.tmplContext)
	if err != nil {
		// Retrying a missing template or variable wastes the retry
		// budget; it is a deployment bug, not a transient fault.
		d.logger.Error("template render failed",
			zap.Error(err),
			zap.String("notification_type", string(req.kind)),
		)
		d.recordFailure(ctx, req, decision.Email, err)
		observ.CaptureSendFailure(err, req.userID.String(), string(req.kind))
		metrics.RecordDispatch(string(req.kind), "failed")
		return failureResult(ReasonDeliveryFailed)
	}
	email.HTML = html

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	messageID, err := d.sender.Send(sendCtx, email)
	if err != nil {
		d.recordFailure(ctx, req, decision.Email, err)
		observ.CaptureSendFailure(err, req.userID.String(), string(req.kind))
		metrics.RecordDispatch(string(req.kind), "failed")
		return failureResult(ReasonDeliveryFailed)
	}

	d.recordSuccess(ctx, req, decision.Email, messageID)
	metrics.RecordDispatch(string(req.kind), "sent")

	return successResult(messageID)
}

func (d *Dispatcher) recordSuccess(ctx context.Context, req dispatchRequest, recipient, messageID string) {
	entry := &db.NotificationLog{
		ID:                uuid.New(),
		UserID:            req.userID,
		NotificationType:  string(req.kind),
		ProviderMessageID: &messageID,
		RecipientEmail:    recipient,
		Subject:           req.subject,
		Status:            db.StatusSent,
		JobID:             req.jobID,
	}

	// The email is already out; a logging failure must not turn a
	// delivered notification into a reported failure.
	if err := d.store.InsertLog(ctx, entry); err != nil {
		d.logger.Error("audit log insert failed after successful send",
			zap.Error(err),
			zap.String("message_id", messageID),
		)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, req dispatchRequest, recipient string, sendErr error) {
	rawEvent, _ := json.Marshal(map[string]string{"error": sendErr.Error()})

	entry := &db.NotificationLog{
		ID:               uuid.New(),
		UserID:           req.userID,
		NotificationType: string(req.kind),
		RecipientEmail:   recipient,
		Subject:          req.subject,
		Status:           db.StatusFailed,
		RawEvent:         rawEvent,
		JobID:            req.jobID,
	}

	if err := d.store.InsertLog(ctx, entry); err != nil {
		d.logger.Error("audit log insert failed for failed send",
			zap.Error(err),
		)
	}
}

func derefOr(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}

// shortID truncates a job id for use in a subject line.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func usagePercent(current, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Round(float64(current) / float64(limit) * 100))
}

// formatCount renders an integer with thousands separators, matching the
// subject-line style of the rest of the product.
func formatCount(n int) string {
	s := strconv.Itoa(n)
	neg := false
	if n < 0 {
		neg = true
		s = s[1:]
	}

	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var out []byte
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}

	if neg {
		return "-" + string(out)
	}
	return string(out)
}

func formatDuration(seconds float64) string {
	if seconds >= 60 {
		return fmt.Sprintf("%dm %ds", int(seconds)/60, int(seconds)%60)
	}
	return fmt.Sprintf("%.1fs", seconds)
}
