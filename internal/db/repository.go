package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// eventTimestampColumns is the closed set of timestamp columns the webhook
// reconciler may set. Anything else is rejected before touching SQL.
var eventTimestampColumns = map[string]bool{
	"delivered_at":  true,
	"opened_at":     true,
	"clicked_at":    true,
	"bounced_at":    true,
	"complained_at": true,
}

// preferenceColumns is the full notification_preferences column list, shared
// by the select and the upsert so the two queries cannot drift apart. Must
// stay in step with the table migration.
const preferenceColumns = `user_id, email_job_complete, email_job_failed, email_quota_warning,
	email_quota_exceeded, email_weekly_summary, inapp_job_complete,
	inapp_job_failed, digest_frequency, updated_at`

// Repository handles database operations for users, preferences, and the
// notification audit log.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetUser fetches a user's email and verification status.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, email, email_verified, created_at
		FROM users
		WHERE id = $1
	`

	var user User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.EmailVerified,
		&user.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to get user",
			zap.Error(err),
			zap.String("user_id", id.String()),
		)
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

// GetPreferences fetches a user's preference row. Returns ErrNotFound when
// the row does not exist yet; callers fall back to DefaultPreferences.
func (r *Repository) GetPreferences(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	query := `SELECT ` + preferenceColumns + ` FROM notification_preferences WHERE user_id = $1`

	var prefs Preferences
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&prefs.UserID,
		&prefs.EmailJobComplete,
		&prefs.EmailJobFailed,
		&prefs.EmailQuotaWarning,
		&prefs.EmailQuotaExceeded,
		&prefs.EmailWeeklySummary,
		&prefs.InAppJobComplete,
		&prefs.InAppJobFailed,
		&prefs.DigestFrequency,
		&prefs.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("preferences for user %s: %w", userID, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to get preferences",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	return &prefs, nil
}

// UpsertPreferences writes a user's full preference row. The insert path
// covers users created before the default-row trigger existed.
func (r *Repository) UpsertPreferences(ctx context.Context, prefs *Preferences) error {
	query := `
		INSERT INTO notification_preferences (` + preferenceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			email_job_complete = EXCLUDED.email_job_complete,
			email_job_failed = EXCLUDED.email_job_failed,
			email_quota_warning = EXCLUDED.email_quota_warning,
			email_quota_exceeded = EXCLUDED.email_quota_exceeded,
			email_weekly_summary = EXCLUDED.email_weekly_summary,
			inapp_job_complete = EXCLUDED.inapp_job_complete,
			inapp_job_failed = EXCLUDED.inapp_job_failed,
			digest_frequency = EXCLUDED.digest_frequency,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		prefs.UserID,
		prefs.EmailJobComplete,
		prefs.EmailJobFailed,
		prefs.EmailQuotaWarning,
		prefs.EmailQuotaExceeded,
		prefs.EmailWeeklySummary,
		prefs.InAppJobComplete,
		prefs.InAppJobFailed,
		prefs.DigestFrequency,
	).Scan(&prefs.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to upsert preferences",
			zap.Error(err),
			zap.String("user_id", prefs.UserID.String()),
		)
		return fmt.Errorf("upsert preferences: %w", err)
	}

	r.logger.Info("preferences updated",
		zap.String("user_id", prefs.UserID.String()),
	)

	return nil
}

// InsertLog records one send attempt in the audit log. The unique index on
// provider_message_id rejects a duplicate id from the provider; that is an
// integrity error, not something to overwrite.
func (r *Repository) InsertLog(ctx context.Context, log *NotificationLog) error {
	query := `
		INSERT INTO notification_logs (
			id, user_id, notification_type, provider_message_id,
			recipient_email, subject, status, raw_event, job_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		log.ID,
		log.UserID,
		log.NotificationType,
		log.ProviderMessageID,
		log.RecipientEmail,
		log.Subject,
		log.Status,
		log.RawEvent,
		log.JobID,
	).Scan(&log.CreatedAt)

	if err != nil {
		r.logger.Error("failed to insert notification log",
			zap.Error(err),
			zap.String("log_id", log.ID.String()),
			zap.String("type", log.NotificationType),
		)
		return fmt.Errorf("insert notification log: %w", err)
	}

	return nil
}

// ApplyProviderEvent updates the audit row matching a provider message id in
// a single statement: status and raw_event are last-write-wins, while only
// the one timestamp column belonging to this event is set. Concurrent events
// for the same message therefore never clobber each other's timestamps.
// Returns the number of rows updated; zero is not an error (the webhook can
// race ahead of the log insert or reference a send we don't track).
func (r *Repository) ApplyProviderEvent(
	ctx context.Context,
	messageID string,
	status string,
	timestampColumn string,
	occurredAt time.Time,
	rawEvent json.RawMessage,
) (int64, error) {
	if !eventTimestampColumns[timestampColumn] {
		return 0, fmt.Errorf("unknown event timestamp column: %s", timestampColumn)
	}

	// timestampColumn comes from the closed allowlist above, never from
	// request data, so the Sprintf is safe.
	query := fmt.Sprintf(`
		UPDATE notification_logs
		SET status = $1, raw_event = $2, %s = $3
		WHERE provider_message_id = $4
	`, timestampColumn)

	result, err := r.db.Pool().Exec(ctx, query, status, rawEvent, occurredAt, messageID)
	if err != nil {
		r.logger.Error("failed to apply provider event",
			zap.Error(err),
			zap.String("provider_message_id", messageID),
			zap.String("status", status),
		)
		return 0, fmt.Errorf("apply provider event: %w", err)
	}

	return result.RowsAffected(), nil
}

// ListLogsByUser retrieves audit rows for a user with pagination, newest first.
func (r *Repository) ListLogsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*NotificationLog, error) {
	query := `
		SELECT
			id, user_id, notification_type, provider_message_id,
			recipient_email, subject, status,
			delivered_at, opened_at, clicked_at, bounced_at, complained_at,
			raw_event, job_id, created_at
		FROM notification_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notification logs: %w", err)
	}
	defer rows.Close()

	var logs []*NotificationLog
	for rows.Next() {
		var l NotificationLog
		err := rows.Scan(
			&l.ID,
			&l.UserID,
			&l.NotificationType,
			&l.ProviderMessageID,
			&l.RecipientEmail,
			&l.Subject,
			&l.Status,
			&l.DeliveredAt,
			&l.OpenedAt,
			&l.ClickedAt,
			&l.BouncedAt,
			&l.ComplainedAt,
			&l.RawEvent,
			&l.JobID,
			&l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return logs, nil
}
