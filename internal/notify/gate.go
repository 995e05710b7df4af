package notify

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/db"
)

// GateStore is the slice of the repository the gate needs.
type GateStore interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*db.User, error)
	GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error)
}

// Gate decides whether a notification may be sent to a user: the user must
// exist, their email must be verified (onboarding kinds excepted), and the
// matching preference toggle must be on. The gate fails closed: if the
// lookup errors, the send is denied.
type Gate struct {
	store  GateStore
	logger *zap.Logger
}

// NewGate creates a preference gate backed by the given store.
func NewGate(store GateStore, logger *zap.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Decision is the gate's verdict. Email is populated only when allowed.
type Decision struct {
	Allowed bool
	Email   string
	Reason  string
}

func denied(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Check evaluates whether kind may be sent to userID.
func (g *Gate) Check(ctx context.Context, userID uuid.UUID, kind Kind) Decision {
	user, err := g.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			g.logger.Warn("notification denied, user not found",
				zap.String("user_id", userID.String()),
			)
			return denied(ReasonUserNotFound)
		}
		// Fail closed rather than emailing someone we could not vet.
		g.logger.Error("preference check failed, denying send",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return denied(ReasonPrefsOrEmail)
	}

	if user.Email == "" {
		g.logger.Warn("notification denied, user has no email",
			zap.String("user_id", userID.String()),
		)
		return denied(ReasonUserNotFound)
	}

	if !user.EmailVerified && !verificationExempt[kind] {
		g.logger.Info("notification denied, email not verified",
			zap.String("user_id", userID.String()),
			zap.String("notification_type", string(kind)),
		)
		return denied(ReasonPrefsOrEmail)
	}

	prefs, err := g.store.GetPreferences(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// No row yet means the user never opted out of anything.
			g.logger.Debug("no preference row, using defaults",
				zap.String("user_id", userID.String()),
			)
			prefs = db.DefaultPreferences(userID)
		} else {
			g.logger.Error("preference lookup failed, denying send",
				zap.Error(err),
				zap.String("user_id", userID.String()),
			)
			return denied(ReasonPrefsOrEmail)
		}
	}

	if !kindEnabled(prefs, kind) {
		g.logger.Info("notification denied by preference",
			zap.String("user_id", userID.String()),
			zap.String("notification_type", string(kind)),
		)
		return denied(ReasonPrefsOrEmail)
	}

	return Decision{Allowed: true, Email: user.Email}
}

// kindEnabled maps a kind to its preference toggle. Onboarding kinds have no
// toggle; they are always on.
func kindEnabled(prefs *db.Preferences, kind Kind) bool {
	switch kind {
	case KindJobComplete:
		return prefs.EmailJobComplete
	case KindJobFailed:
		return prefs.EmailJobFailed
	case KindQuotaWarning:
		return prefs.EmailQuotaWarning
	case KindQuotaExceeded:
		return prefs.EmailQuotaExceeded
	case KindWelcome, KindVerify:
		return true
	default:
		return false
	}
}
