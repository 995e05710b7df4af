package notify

// Kind identifies a notification type. The value doubles as the template
// name and the provider tag.
type Kind string

const (
	KindJobComplete   Kind = "job_complete"
	KindJobFailed     Kind = "job_failed"
	KindQuotaWarning  Kind = "quota_warning"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindWelcome       Kind = "welcome"
	KindVerify        Kind = "verify"
)

// verificationExempt lists onboarding kinds that may go to an address the
// user has not confirmed yet. Everything else requires a verified email.
var verificationExempt = map[Kind]bool{
	KindWelcome: true,
	KindVerify:  true,
}

// Denial reasons returned to callers. The preference and verification cases
// deliberately share one value so the API does not reveal which condition
// blocked the send; the precise cause is logged server-side only.
const (
	ReasonUserNotFound   = "user_not_found"
	ReasonPrefsOrEmail   = "user_preferences_or_unverified_email"
	ReasonRateLimited    = "rate_limited"
	ReasonDeliveryFailed = "delivery_failed"
)

// Result is the dispatch outcome handed back to callers. Denials and
// delivery failures are ordinary results, never errors; callers proceed
// regardless of whether the notification went out.
type Result struct {
	Success   bool    `json:"success"`
	MessageID *string `json:"message_id"`
	Reason    *string `json:"reason"`
}

func successResult(messageID string) Result {
	return Result{Success: true, MessageID: &messageID}
}

func failureResult(reason string) Result {
	return Result{Success: false, Reason: &reason}
}
