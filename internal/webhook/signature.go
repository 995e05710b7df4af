// Package webhook receives signed delivery events from the email provider
// and reconciles them into the notification audit log.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Provider events arrive with three headers in the svix format: a message
// id, a unix timestamp, and one or more versioned signatures.
const (
	headerID        = "webhook-id"
	headerTimestamp = "webhook-timestamp"
	headerSignature = "webhook-signature"

	// timestampTolerance bounds replay: events older or newer than this
	// are rejected even with a valid signature.
	timestampTolerance = 5 * time.Minute

	secretPrefix = "whsec_"
)

// ErrInvalidSignature covers every verification failure. Callers must not
// distinguish the causes externally; the response is always a bare 401.
var ErrInvalidSignature = errors.New("webhook signature verification failed")

// Verifier checks provider signatures against the shared signing secret.
type Verifier struct {
	key []byte
	now func() time.Time
}

// NewVerifier parses a whsec_-prefixed secret. The portion after the prefix
// is base64; the decoded bytes are the HMAC key.
func NewVerifier(secret string) (*Verifier, error) {
	if !strings.HasPrefix(secret, secretPrefix) {
		return nil, fmt.Errorf("webhook secret must start with %q", secretPrefix)
	}

	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid webhook secret encoding: %w", err)
	}

	return &Verifier{key: key, now: time.Now}, nil
}

// Verify checks the signature headers against the raw request body. It must
// run before the body is parsed; a forged payload never reaches the decoder.
func (v *Verifier) Verify(headers http.Header, body []byte) error {
	msgID := headers.Get(headerID)
	timestamp := headers.Get(headerTimestamp)
	signatures := headers.Get(headerSignature)

	if msgID == "" || timestamp == "" || signatures == "" {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age > timestampTolerance || age < -timestampTolerance {
		return ErrInvalidSignature
	}

	expected := v.sign(msgID, timestamp, body)

	// The header may carry several space-separated signatures during key
	// rotation; any match accepts.
	for _, part := range strings.Split(signatures, " ") {
		version, sig, found := strings.Cut(part, ",")
		if !found || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}

	return ErrInvalidSignature
}

// sign computes the base64 HMAC-SHA256 of "{id}.{timestamp}.{body}".
func (v *Verifier) sign(msgID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	fmt.Fprintf(mac, "%s.%s.", msgID, timestamp)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
