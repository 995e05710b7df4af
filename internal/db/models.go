package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User is the slice of the auth system's user record this service reads.
// Courier never writes to the users table.
type User struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// Preferences holds one user's notification toggles. Exactly one row per
// user, created with defaults by a trigger the moment the user row exists.
type Preferences struct {
	UserID             uuid.UUID `json:"user_id"`
	EmailJobComplete   bool      `json:"email_job_complete"`
	EmailJobFailed     bool      `json:"email_job_failed"`
	EmailQuotaWarning  bool      `json:"email_quota_warning"`
	EmailQuotaExceeded bool      `json:"email_quota_exceeded"`
	EmailWeeklySummary bool      `json:"email_weekly_summary"`
	InAppJobComplete   bool      `json:"inapp_job_complete"`
	InAppJobFailed     bool      `json:"inapp_job_failed"`
	DigestFrequency    string    `json:"digest_frequency"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DefaultPreferences returns the all-enabled defaults used when a user has
// no preference row yet (trigger races, legacy users).
func DefaultPreferences(userID uuid.UUID) *Preferences {
	return &Preferences{
		UserID:             userID,
		EmailJobComplete:   true,
		EmailJobFailed:     true,
		EmailQuotaWarning:  true,
		EmailQuotaExceeded: true,
		EmailWeeklySummary: true,
		InAppJobComplete:   true,
		InAppJobFailed:     true,
		DigestFrequency:    DigestRealtime,
	}
}

// NotificationLog is the audit row for one send attempt that reached the
// provider. Created at send time; only the webhook reconciler updates it.
type NotificationLog struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	NotificationType  string          `json:"notification_type"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	RecipientEmail    string          `json:"recipient_email"`
	Subject           string          `json:"subject"`
	Status            string          `json:"status"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time      `json:"opened_at,omitempty"`
	ClickedAt         *time.Time      `json:"clicked_at,omitempty"`
	BouncedAt         *time.Time      `json:"bounced_at,omitempty"`
	ComplainedAt      *time.Time      `json:"complained_at,omitempty"`
	RawEvent          json.RawMessage `json:"raw_event,omitempty"`
	JobID             *string         `json:"job_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Status constants for notification_logs.status
const (
	StatusSent       = "sent"
	StatusDelivered  = "delivered"
	StatusOpened     = "opened"
	StatusClicked    = "clicked"
	StatusBounced    = "bounced"
	StatusComplained = "complained"
	StatusFailed     = "failed"
)

// Digest frequency constants
const (
	DigestRealtime = "realtime"
	DigestHourly   = "hourly"
	DigestDaily    = "daily"
	DigestNever    = "never"
)
