// Package mail sends rendered emails through an outbound provider with
// bounded retry. The provider is behind a narrow interface so the Resend
// HTTP API, SES, and the development log sink are interchangeable.
package mail

import (
	"context"
	"fmt"
)

// Attachment is an inline file riding along with the email.
type Attachment struct {
	Filename string
	Content  []byte
}

// Tag is provider-side metadata attached to a send (category, user id,
// job id) so provider dashboards can slice delivery stats.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Email is one rendered message ready for the provider.
type Email struct {
	From       string
	To         []string
	Subject    string
	HTML       string
	Attachment *Attachment
	Tags       []Tag
}

// Provider submits one email and returns the provider-assigned message id.
// That id is the join key the webhook reconciler later matches delivery
// events against.
type Provider interface {
	Send(ctx context.Context, email *Email) (string, error)
}

// ProviderError is a structured provider rejection. Permanent errors
// (validation failures, invalid recipients) are not retried; everything
// else is treated as transient.
type ProviderError struct {
	StatusCode int
	Message    string
	Permanent  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider rejected send (status %d): %s", e.StatusCode, e.Message)
}

// DeliveryFailedError is the terminal failure after the retry budget is
// spent (or a permanent rejection short-circuits it). The last underlying
// error is attached for the audit log.
type DeliveryFailedError struct {
	Attempts int
	Err      error
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DeliveryFailedError) Unwrap() error {
	return e.Err
}
