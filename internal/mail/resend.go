package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ResendConfig holds settings for the Resend HTTP provider.
type ResendConfig struct {
	APIKey  string
	BaseURL string        // override in tests; defaults to the public API
	Timeout time.Duration // per-attempt call timeout
}

// ResendProvider sends email through the Resend REST API.
type ResendProvider struct {
	client  *http.Client
	apiKey  string
	baseURL string
	logger  *zap.Logger
}

// NewResendProvider creates the provider.
func NewResendProvider(cfg ResendConfig, logger *zap.Logger) *ResendProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.resend.com"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &ResendProvider{
		client:  &http.Client{Timeout: timeout},
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		logger:  logger,
	}
}

type resendAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"` // base64
}

type resendRequest struct {
	From        string             `json:"from"`
	To          []string           `json:"to"`
	Subject     string             `json:"subject"`
	HTML        string             `json:"html"`
	Attachments []resendAttachment `json:"attachments,omitempty"`
	Tags        []Tag              `json:"tags,omitempty"`
}

type resendResponse struct {
	ID string `json:"id"`
}

type resendError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Send submits one email. HTTP 5xx, 408, and 429 come back as retryable
// provider errors; any other 4xx is permanent. Transport failures (timeout,
// connection reset) surface as plain errors and are treated as transient by
// the delivery client.
func (p *ResendProvider) Send(ctx context.Context, email *Email) (string, error) {
	payload := resendRequest{
		From:    email.From,
		To:      email.To,
		Subject: email.Subject,
		HTML:    email.HTML,
		Tags:    email.Tags,
	}

	if email.Attachment != nil {
		payload.Attachments = []resendAttachment{{
			Filename: email.Attachment.Filename,
			Content:  base64.StdEncoding.EncodeToString(email.Attachment.Content),
		}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr resendError
		_ = json.Unmarshal(respBody, &apiErr)
		message := apiErr.Message
		if message == "" {
			message = string(respBody)
		}

		return "", &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    message,
			Permanent:  isPermanentStatus(resp.StatusCode),
		}
	}

	var result resendResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("provider response missing message id")
	}

	p.logger.Debug("provider accepted email",
		zap.String("message_id", result.ID),
		zap.String("subject", email.Subject),
	)

	return result.ID, nil
}

// isPermanentStatus classifies an HTTP status. 408 and 429 are the two 4xx
// codes worth another attempt.
func isPermanentStatus(status int) bool {
	if status >= 500 {
		return false
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400
}
