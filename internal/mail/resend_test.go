package mail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestResendSendSuccess(t *testing.T) {
	var received resendRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			t.Errorf("expected /emails, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resendResponse{ID: "re_abc123"})
	}))
	defer server.Close()

	provider := NewResendProvider(ResendConfig{APIKey: "test-key", BaseURL: server.URL}, zap.NewNop())

	email := &Email{
		From:    "SCAILE <hello@g-gpt.com>",
		To:      []string{"user@example.com"},
		Subject: "Job Complete",
		HTML:    "<p>done</p>",
		Attachment: &Attachment{
			Filename: "results.csv",
			Content:  []byte("a,b\n1,2\n"),
		},
		Tags: []Tag{{Name: "notification_type", Value: "job_complete"}},
	}

	id, err := provider.Send(context.Background(), email)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "re_abc123" {
		t.Errorf("expected re_abc123, got %q", id)
	}
	if len(received.Attachments) != 1 || received.Attachments[0].Filename != "results.csv" {
		t.Errorf("attachment not forwarded: %+v", received.Attachments)
	}
	if received.Attachments[0].Content != "YSxiCjEsMgo=" {
		t.Errorf("attachment not base64 encoded: %q", received.Attachments[0].Content)
	}
	if len(received.Tags) != 1 || received.Tags[0].Value != "job_complete" {
		t.Errorf("tags not forwarded: %+v", received.Tags)
	}
}

func TestResendSendClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{"validation error", http.StatusUnprocessableEntity, true},
		{"unauthorized", http.StatusUnauthorized, true},
		{"request timeout", http.StatusRequestTimeout, false},
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusInternalServerError, false},
		{"bad gateway", http.StatusBadGateway, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(resendError{Name: "error", Message: tc.name})
			}))
			defer server.Close()

			provider := NewResendProvider(ResendConfig{APIKey: "test-key", BaseURL: server.URL}, zap.NewNop())

			_, err := provider.Send(context.Background(), &Email{To: []string{"user@example.com"}})

			var pErr *ProviderError
			if !errors.As(err, &pErr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if pErr.StatusCode != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, pErr.StatusCode)
			}
			if pErr.Permanent != tc.permanent {
				t.Errorf("expected permanent=%v for %d, got %v", tc.permanent, tc.status, pErr.Permanent)
			}
			if pErr.Message != tc.name {
				t.Errorf("expected message %q, got %q", tc.name, pErr.Message)
			}
		})
	}
}

func TestResendSendTransportErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused

	provider := NewResendProvider(ResendConfig{APIKey: "test-key", BaseURL: server.URL}, zap.NewNop())

	_, err := provider.Send(context.Background(), &Email{To: []string{"user@example.com"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if isPermanent(err) {
		t.Errorf("transport error classified as permanent: %v", err)
	}
}
