package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/db"
	"github.com/scaile-gtm/courier/internal/notify"
)

var ErrDatabaseError = errors.New("database error")

// MockRepository is a fake database for testing
type MockRepository struct {
	prefs map[uuid.UUID]*db.Preferences
	logs  []*db.NotificationLog

	shouldFail bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{prefs: make(map[uuid.UUID]*db.Preferences)}
}

func (m *MockRepository) GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	prefs, ok := m.prefs[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return prefs, nil
}

func (m *MockRepository) UpsertPreferences(ctx context.Context, prefs *db.Preferences) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.prefs[prefs.UserID] = prefs
	return nil
}

func (m *MockRepository) ListLogsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.NotificationLog, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var out []*db.NotificationLog
	for _, l := range m.logs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

// MockDispatcher records dispatch calls and returns a scripted result.
type MockDispatcher struct {
	result notify.Result
	calls  []string
	csv    []byte
}

func okDispatcher() *MockDispatcher {
	id := "re_mock1"
	return &MockDispatcher{result: notify.Result{Success: true, MessageID: &id}}
}

func (m *MockDispatcher) SendJobComplete(ctx context.Context, userID uuid.UUID, jobID string, results notify.JobResults, csvData []byte) notify.Result {
	m.calls = append(m.calls, "job_complete")
	m.csv = csvData
	return m.result
}

func (m *MockDispatcher) SendJobFailed(ctx context.Context, userID uuid.UUID, jobID, errorMessage string) notify.Result {
	m.calls = append(m.calls, "job_failed")
	return m.result
}

func (m *MockDispatcher) SendQuotaWarning(ctx context.Context, userID uuid.UUID, currentUsage, limit int) notify.Result {
	m.calls = append(m.calls, "quota_warning")
	return m.result
}

func (m *MockDispatcher) SendQuotaExceeded(ctx context.Context, userID uuid.UUID, currentUsage, limit int) notify.Result {
	m.calls = append(m.calls, "quota_exceeded")
	return m.result
}

func (m *MockDispatcher) SendWelcome(ctx context.Context, userID uuid.UUID) notify.Result {
	m.calls = append(m.calls, "welcome")
	return m.result
}

func postJSON(t *testing.T, handlerFunc http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handlerFunc(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) notify.Result {
	t.Helper()
	var result notify.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return result
}

func TestJobCompleteSuccess(t *testing.T) {
	dispatcher := okDispatcher()
	handler := NewHandler(zap.NewNop(), NewMockRepository(), dispatcher)

	rec := postJSON(t, handler.JobComplete, "/v1/notifications/job-complete", map[string]any{
		"user_id": uuid.NewString(),
		"job_id":  "job-1",
		"results": map[string]any{"total_rows": 100, "successful": 99, "failed": 1},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	result := decodeResult(t, rec)
	if !result.Success || result.MessageID == nil {
		t.Errorf("unexpected result %+v", result)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "job_complete" {
		t.Errorf("unexpected dispatch calls %v", dispatcher.calls)
	}
}

func TestJobCompleteDecodesCSV(t *testing.T) {
	dispatcher := okDispatcher()
	handler := NewHandler(zap.NewNop(), NewMockRepository(), dispatcher)

	rec := postJSON(t, handler.JobComplete, "/v1/notifications/job-complete", map[string]any{
		"user_id":    uuid.NewString(),
		"job_id":     "job-1",
		"results":    map[string]any{"total_rows": 1},
		"csv_base64": "YSxiCjEsMgo=",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if string(dispatcher.csv) != "a,b\n1,2\n" {
		t.Errorf("csv not decoded: %q", dispatcher.csv)
	}
}

func TestJobCompleteInvalidCSVBase64(t *testing.T) {
	handler := NewHandler(zap.NewNop(), NewMockRepository(), okDispatcher())

	rec := postJSON(t, handler.JobComplete, "/v1/notifications/job-complete", map[string]any{
		"user_id":    uuid.NewString(),
		"job_id":     "job-1",
		"csv_base64": "%%%not-base64%%%",
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDispatchDenialIsStillHTTP200(t *testing.T) {
	reason := notify.ReasonPrefsOrEmail
	dispatcher := &MockDispatcher{result: notify.Result{Success: false, Reason: &reason}}
	handler := NewHandler(zap.NewNop(), NewMockRepository(), dispatcher)

	rec := postJSON(t, handler.JobFailed, "/v1/notifications/job-failed", map[string]any{
		"user_id":       uuid.NewString(),
		"job_id":        "job-1",
		"error_message": "boom",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("denied dispatch must still be 200, got %d", rec.Code)
	}
	result := decodeResult(t, rec)
	if result.Success {
		t.Error("expected failure result")
	}
	if result.Reason == nil || *result.Reason != notify.ReasonPrefsOrEmail {
		t.Errorf("unexpected reason %v", result.Reason)
	}
}

func TestDispatchValidation(t *testing.T) {
	handler := NewHandler(zap.NewNop(), NewMockRepository(), okDispatcher())

	tests := []struct {
		name        string
		handlerFunc http.HandlerFunc
		body        map[string]any
	}{
		{"missing user_id", handler.JobComplete, map[string]any{"job_id": "job-1"}},
		{"bad user_id", handler.JobComplete, map[string]any{"user_id": "not-a-uuid", "job_id": "job-1"}},
		{"missing job_id", handler.JobFailed, map[string]any{"user_id": uuid.NewString()}},
		{"zero limit", handler.QuotaWarning, map[string]any{"user_id": uuid.NewString(), "current_usage": 5}},
		{"missing welcome user", handler.Welcome, map[string]any{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, tc.handlerFunc, "/v1/notifications/test", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("expected problem+json, got %s", ct)
			}
		})
	}
}

func TestDispatchMalformedBody(t *testing.T) {
	handler := NewHandler(zap.NewNop(), NewMockRepository(), okDispatcher())

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/welcome", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	handler.Welcome(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func prefsRequest(t *testing.T, handler *Handler, method string, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, "/v1/preferences/"+userID, reader)

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("user_id", userID)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	if method == http.MethodPut {
		handler.UpdatePreferences(rec, req)
	} else {
		handler.GetPreferences(rec, req)
	}
	return rec
}

func TestGetPreferencesReturnsDefaultsWhenMissing(t *testing.T) {
	handler := NewHandler(zap.NewNop(), NewMockRepository(), okDispatcher())
	userID := uuid.New()

	rec := prefsRequest(t, handler, http.MethodGet, userID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var prefs db.Preferences
	if err := json.Unmarshal(rec.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("decode prefs: %v", err)
	}
	if !prefs.EmailJobComplete || !prefs.EmailQuotaWarning {
		t.Errorf("defaults should be enabled: %+v", prefs)
	}
	if prefs.UserID != userID {
		t.Errorf("expected user id %s, got %s", userID, prefs.UserID)
	}
}

func TestUpdatePreferencesRoundTrip(t *testing.T) {
	repo := NewMockRepository()
	handler := NewHandler(zap.NewNop(), repo, okDispatcher())
	userID := uuid.New()

	update := db.DefaultPreferences(userID)
	update.EmailJobComplete = false

	rec := prefsRequest(t, handler, http.MethodPut, userID.String(), update)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	stored := repo.prefs[userID]
	if stored == nil {
		t.Fatal("preferences not stored")
	}
	if stored.EmailJobComplete {
		t.Error("toggle not persisted")
	}

	rec = prefsRequest(t, handler, http.MethodGet, userID.String(), nil)
	var prefs db.Preferences
	if err := json.Unmarshal(rec.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("decode prefs: %v", err)
	}
	if prefs.EmailJobComplete {
		t.Error("read back stale preferences")
	}
}

func TestUpdatePreferencesDigestFrequency(t *testing.T) {
	tests := []struct {
		digest     string
		wantStatus int
	}{
		{db.DigestRealtime, http.StatusOK},
		{db.DigestHourly, http.StatusOK},
		{db.DigestDaily, http.StatusOK},
		{db.DigestNever, http.StatusOK},
		{"weekly", http.StatusBadRequest},
		{"sometimes", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.digest, func(t *testing.T) {
			repo := NewMockRepository()
			handler := NewHandler(zap.NewNop(), repo, okDispatcher())
			userID := uuid.New()

			prefs := db.DefaultPreferences(userID)
			prefs.DigestFrequency = tt.digest

			rec := prefsRequest(t, handler, http.MethodPut, userID.String(), prefs)
			if rec.Code != tt.wantStatus {
				t.Fatalf("digest %q: expected %d, got %d", tt.digest, tt.wantStatus, rec.Code)
			}

			if tt.wantStatus == http.StatusOK {
				stored := repo.prefs[userID]
				if stored == nil || stored.DigestFrequency != tt.digest {
					t.Errorf("digest %q not persisted: %+v", tt.digest, stored)
				}
			}
		})
	}
}

func TestListNotifications(t *testing.T) {
	repo := NewMockRepository()
	userID := uuid.New()
	repo.logs = []*db.NotificationLog{
		{ID: uuid.New(), UserID: userID, NotificationType: "job_complete", Status: db.StatusSent},
		{ID: uuid.New(), UserID: uuid.New(), NotificationType: "welcome", Status: db.StatusSent},
	}

	handler := NewHandler(zap.NewNop(), repo, okDispatcher())

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications?user_id="+userID.String(), nil)
	rec := httptest.NewRecorder()
	handler.ListNotifications(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data  []*db.NotificationLog `json:"data"`
		Count int                   `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("expected 1 row for user, got %d", resp.Count)
	}
}

func TestListNotificationsRequiresUserID(t *testing.T) {
	handler := NewHandler(zap.NewNop(), NewMockRepository(), okDispatcher())

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	rec := httptest.NewRecorder()
	handler.ListNotifications(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
