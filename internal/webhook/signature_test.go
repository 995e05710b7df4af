package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"
)

const testSecret = "whsec_dGVzdC1zaWduaW5nLWtleQ==" // "test-signing-key"

func signPayload(t *testing.T, msgID string, ts time.Time, body []byte) http.Header {
	t.Helper()

	key, err := base64.StdEncoding.DecodeString(testSecret[len("whsec_"):])
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}

	timestamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s.%s.", msgID, timestamp)
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	headers := http.Header{}
	headers.Set("webhook-id", msgID)
	headers.Set("webhook-timestamp", timestamp)
	headers.Set("webhook-signature", "v1,"+sig)
	return headers
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestVerifyValidSignature(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{"type":"email.delivered"}`)
	headers := signPayload(t, "msg_1", time.Now(), body)

	if err := v.Verify(headers, body); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := newTestVerifier(t)
	headers := signPayload(t, "msg_1", time.Now(), []byte(`{"type":"email.delivered"}`))

	if err := v.Verify(headers, []byte(`{"type":"email.bounced"}`)); err == nil {
		t.Error("expected rejection of tampered body")
	}
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{}`)

	for _, drop := range []string{"webhook-id", "webhook-timestamp", "webhook-signature"} {
		headers := signPayload(t, "msg_1", time.Now(), body)
		headers.Del(drop)
		if err := v.Verify(headers, body); err == nil {
			t.Errorf("expected rejection with %s missing", drop)
		}
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{}`)

	headers := signPayload(t, "msg_1", time.Now().Add(-10*time.Minute), body)
	if err := v.Verify(headers, body); err == nil {
		t.Error("expected rejection of stale timestamp")
	}

	headers = signPayload(t, "msg_1", time.Now().Add(10*time.Minute), body)
	if err := v.Verify(headers, body); err == nil {
		t.Error("expected rejection of future timestamp")
	}
}

func TestVerifyAcceptsAnyOfMultipleSignatures(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{}`)
	headers := signPayload(t, "msg_1", time.Now(), body)

	// Key rotation sends old-key signatures alongside the valid one.
	valid := headers.Get("webhook-signature")
	headers.Set("webhook-signature", "v1,Zm9yZ2VkLXNpZ25hdHVyZQ== "+valid)

	if err := v.Verify(headers, body); err != nil {
		t.Errorf("expected any-match acceptance, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	other, err := NewVerifier("whsec_b3RoZXIta2V5")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	body := []byte(`{}`)
	headers := signPayload(t, "msg_1", time.Now(), body)

	if err := other.Verify(headers, body); err == nil {
		t.Error("expected rejection under a different key")
	}
}

func TestNewVerifierRejectsBadSecret(t *testing.T) {
	if _, err := NewVerifier("plain-secret"); err == nil {
		t.Error("expected error for missing whsec_ prefix")
	}
	if _, err := NewVerifier("whsec_%%%not-base64%%%"); err == nil {
		t.Error("expected error for invalid base64")
	}
}
