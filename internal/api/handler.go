package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/db"
	"github.com/scaile-gtm/courier/internal/notify"
	"github.com/scaile-gtm/courier/internal/redis"
)

// Repository defines the database operations the API layer needs beyond the
// dispatch pipeline: preference management and audit log reads.
type Repository interface {
	GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
	UpsertPreferences(ctx context.Context, prefs *db.Preferences) error
	ListLogsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.NotificationLog, error)
}

// Dispatcher runs the send pipeline for each notification kind.
type Dispatcher interface {
	SendJobComplete(ctx context.Context, userID uuid.UUID, jobID string, results notify.JobResults, csvData []byte) notify.Result
	SendJobFailed(ctx context.Context, userID uuid.UUID, jobID, errorMessage string) notify.Result
	SendQuotaWarning(ctx context.Context, userID uuid.UUID, currentUsage, limit int) notify.Result
	SendQuotaExceeded(ctx context.Context, userID uuid.UUID, currentUsage, limit int) notify.Result
	SendWelcome(ctx context.Context, userID uuid.UUID) notify.Result
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	dispatcher  Dispatcher
	idempotency *redis.Idempotency // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, dispatcher Dispatcher) *Handler {
	return &Handler{
		logger:     logger,
		repo:       repo,
		dispatcher: dispatcher,
	}
}

// NewHandlerWithIdempotency creates a handler that deduplicates dispatch
// requests by Idempotency-Key.
func NewHandlerWithIdempotency(logger *zap.Logger, repo Repository, dispatcher Dispatcher, idempotency *redis.Idempotency) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		dispatcher:  dispatcher,
		idempotency: idempotency,
	}
}

// jobCompleteRequest is the body of POST /v1/notifications/job-complete.
type jobCompleteRequest struct {
	UserID    string            `json:"user_id"`
	JobID     string            `json:"job_id"`
	Results   notify.JobResults `json:"results"`
	CSVBase64 string            `json:"csv_base64,omitempty"`
}

type jobFailedRequest struct {
	UserID       string `json:"user_id"`
	JobID        string `json:"job_id"`
	ErrorMessage string `json:"error_message"`
}

type quotaRequest struct {
	UserID       string `json:"user_id"`
	CurrentUsage int    `json:"current_usage"`
	Limit        int    `json:"limit"`
}

type welcomeRequest struct {
	UserID string `json:"user_id"`
}

// JobComplete handles POST /v1/notifications/job-complete.
// Dispatch endpoints always return 200: a denied or failed notification is
// reported in the body, never as an HTTP error, so callers (batch jobs,
// signup hooks) proceed regardless of notification outcome.
func (h *Handler) JobComplete(w http.ResponseWriter, r *http.Request) {
	var req jobCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.JobID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id and job_id are required")
		return
	}

	userID, ok := h.parseUserID(w, req.UserID)
	if !ok {
		return
	}

	var csvData []byte
	if req.CSVBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.CSVBase64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid csv_base64", "csv_base64 must be valid base64")
			return
		}
		csvData = decoded
	}

	h.dispatch(w, r, userID, func(ctx context.Context) notify.Result {
		return h.dispatcher.SendJobComplete(ctx, userID, req.JobID, req.Results, csvData)
	})
}

// JobFailed handles POST /v1/notifications/job-failed.
func (h *Handler) JobFailed(w http.ResponseWriter, r *http.Request) {
	var req jobFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.JobID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id and job_id are required")
		return
	}

	userID, ok := h.parseUserID(w, req.UserID)
	if !ok {
		return
	}

	h.dispatch(w, r, userID, func(ctx context.Context) notify.Result {
		return h.dispatcher.SendJobFailed(ctx, userID, req.JobID, req.ErrorMessage)
	})
}

// QuotaWarning handles POST /v1/notifications/quota-warning.
func (h *Handler) QuotaWarning(w http.ResponseWriter, r *http.Request) {
	h.handleQuota(w, r, h.dispatcher.SendQuotaWarning)
}

// QuotaExceeded handles POST /v1/notifications/quota-exceeded.
func (h *Handler) QuotaExceeded(w http.ResponseWriter, r *http.Request) {
	h.handleQuota(w, r, h.dispatcher.SendQuotaExceeded)
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request, send func(context.Context, uuid.UUID, int, int) notify.Result) {
	var req quotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Limit <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be > 0")
		return
	}

	userID, ok := h.parseUserID(w, req.UserID)
	if !ok {
		return
	}

	h.dispatch(w, r, userID, func(ctx context.Context) notify.Result {
		return send(ctx, userID, req.CurrentUsage, req.Limit)
	})
}

// Welcome handles POST /v1/notifications/welcome.
func (h *Handler) Welcome(w http.ResponseWriter, r *http.Request) {
	var req welcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	userID, ok := h.parseUserID(w, req.UserID)
	if !ok {
		return
	}

	h.dispatch(w, r, userID, func(ctx context.Context) notify.Result {
		return h.dispatcher.SendWelcome(ctx, userID)
	})
}

// dispatch runs one send through the optional idempotency layer and writes
// the result. The idempotency key is scoped per user so two users can reuse
// the same key without colliding.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, userID uuid.UUID, send func(context.Context) notify.Result) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, userID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateDispatch) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			result := notify.Result{Success: cached.Success}
			if cached.MessageID != "" {
				result.MessageID = &cached.MessageID
			}
			if cached.Reason != "" {
				result.Reason = &cached.Reason
			}
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeResult(w, result)
			return
		}
	}

	result := send(ctx)

	if idempotencyKey != "" && h.idempotency != nil {
		cached := &redis.CachedDispatch{Success: result.Success}
		if result.MessageID != nil {
			cached.MessageID = *result.MessageID
		}
		if result.Reason != nil {
			cached.Reason = *result.Reason
		}
		if err := h.idempotency.Store(ctx, userID.String(), idempotencyKey, cached); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			// A stale processing marker would 409 the caller's retry
			// until the reservation TTL expires.
			h.idempotency.Release(ctx, userID.String(), idempotencyKey)
		}
	}

	h.writeResult(w, result)
}

// GetPreferences handles GET /v1/preferences/{user_id}. A user without a
// stored row gets the defaults, matching what the dispatch gate assumes.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseUserID(w, chi.URLParam(r, "user_id"))
	if !ok {
		return
	}

	prefs, err := h.repo.GetPreferences(r.Context(), userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			prefs = db.DefaultPreferences(userID)
		} else {
			h.logger.Error("failed to get preferences",
				zap.Error(err),
				zap.String("user_id", userID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get preferences", "")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(prefs)
}

// UpdatePreferences handles PUT /v1/preferences/{user_id}.
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseUserID(w, chi.URLParam(r, "user_id"))
	if !ok {
		return
	}

	var prefs db.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if prefs.DigestFrequency == "" {
		prefs.DigestFrequency = db.DigestRealtime
	}
	switch prefs.DigestFrequency {
	case db.DigestRealtime, db.DigestHourly, db.DigestDaily, db.DigestNever:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid digest_frequency",
			"digest_frequency must be one of: realtime, hourly, daily, never")
		return
	}

	// The path parameter wins over anything in the body.
	prefs.UserID = userID

	if err := h.repo.UpsertPreferences(r.Context(), &prefs); err != nil {
		h.logger.Error("failed to update preferences",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update preferences", "")
		return
	}

	h.logger.Info("preferences updated",
		zap.String("user_id", userID.String()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(&prefs)
}

// ListNotifications handles GET /v1/notifications?user_id=xxx&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}

	userID, ok := h.parseUserID(w, userIDStr)
	if !ok {
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	logs, err := h.repo.ListLogsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   logs,
		"limit":  limit,
		"offset": offset,
		"count":  len(logs),
	})
}

func (h *Handler) parseUserID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id is required")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *Handler) writeResult(w http.ResponseWriter, result notify.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
