package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/db"
)

// fakeStore is an in-memory Store for gate and dispatcher tests.
type fakeStore struct {
	users    map[uuid.UUID]*db.User
	prefs    map[uuid.UUID]*db.Preferences
	logs     []*db.NotificationLog
	userErr  error
	prefsErr error
	logErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[uuid.UUID]*db.User),
		prefs: make(map[uuid.UUID]*db.Preferences),
	}
}

func (s *fakeStore) GetUser(ctx context.Context, userID uuid.UUID) (*db.User, error) {
	if s.userErr != nil {
		return nil, s.userErr
	}
	user, ok := s.users[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return user, nil
}

func (s *fakeStore) GetPreferences(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	if s.prefsErr != nil {
		return nil, s.prefsErr
	}
	prefs, ok := s.prefs[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return prefs, nil
}

func (s *fakeStore) InsertLog(ctx context.Context, log *db.NotificationLog) error {
	if s.logErr != nil {
		return s.logErr
	}
	s.logs = append(s.logs, log)
	return nil
}

func (s *fakeStore) addUser(verified bool) uuid.UUID {
	id := uuid.New()
	s.users[id] = &db.User{ID: id, Email: "user@example.com", EmailVerified: verified}
	return id
}

func TestGateAllowsVerifiedUserWithDefaults(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(true)
	gate := NewGate(store, zap.NewNop())

	decision := gate.Check(context.Background(), userID, KindJobComplete)
	if !decision.Allowed {
		t.Fatalf("expected allow, got reason %q", decision.Reason)
	}
	if decision.Email != "user@example.com" {
		t.Errorf("unexpected email %q", decision.Email)
	}
}

func TestGateDeniesUnknownUser(t *testing.T) {
	gate := NewGate(newFakeStore(), zap.NewNop())

	decision := gate.Check(context.Background(), uuid.New(), KindJobComplete)
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	if decision.Reason != ReasonUserNotFound {
		t.Errorf("expected %q, got %q", ReasonUserNotFound, decision.Reason)
	}
}

func TestGateDeniesUnverifiedEmail(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(false)
	gate := NewGate(store, zap.NewNop())

	decision := gate.Check(context.Background(), userID, KindJobComplete)
	if decision.Allowed {
		t.Fatal("expected denial for unverified email")
	}
	if decision.Reason != ReasonPrefsOrEmail {
		t.Errorf("expected %q, got %q", ReasonPrefsOrEmail, decision.Reason)
	}
}

func TestGateOnboardingKindsExemptFromVerification(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(false)
	gate := NewGate(store, zap.NewNop())

	for _, kind := range []Kind{KindWelcome, KindVerify} {
		decision := gate.Check(context.Background(), userID, kind)
		if !decision.Allowed {
			t.Errorf("%s: expected allow for unverified user, got %q", kind, decision.Reason)
		}
	}
}

func TestGateDeniesDisabledPreference(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(true)
	prefs := db.DefaultPreferences(userID)
	prefs.EmailJobComplete = false
	store.prefs[userID] = prefs

	gate := NewGate(store, zap.NewNop())

	decision := gate.Check(context.Background(), userID, KindJobComplete)
	if decision.Allowed {
		t.Fatal("expected denial for disabled preference")
	}
	if decision.Reason != ReasonPrefsOrEmail {
		t.Errorf("expected %q, got %q", ReasonPrefsOrEmail, decision.Reason)
	}

	// Other kinds remain enabled.
	if decision := gate.Check(context.Background(), userID, KindJobFailed); !decision.Allowed {
		t.Errorf("job_failed should still be allowed, got %q", decision.Reason)
	}
}

func TestGateMissingPreferenceRowDefaultsToEnabled(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(true)
	gate := NewGate(store, zap.NewNop())

	for _, kind := range []Kind{KindJobComplete, KindJobFailed, KindQuotaWarning, KindQuotaExceeded} {
		decision := gate.Check(context.Background(), userID, kind)
		if !decision.Allowed {
			t.Errorf("%s: expected default-enabled, got %q", kind, decision.Reason)
		}
	}
}

func TestGateFailsClosedOnStoreError(t *testing.T) {
	store := newFakeStore()
	userID := store.addUser(true)
	store.prefsErr = errors.New("connection refused")

	gate := NewGate(store, zap.NewNop())

	decision := gate.Check(context.Background(), userID, KindJobComplete)
	if decision.Allowed {
		t.Fatal("expected fail-closed denial on store error")
	}
	if decision.Reason != ReasonPrefsOrEmail {
		t.Errorf("expected %q, got %q", ReasonPrefsOrEmail, decision.Reason)
	}

	store.prefsErr = nil
	store.userErr = errors.New("connection refused")
	if decision := gate.Check(context.Background(), userID, KindJobComplete); decision.Allowed {
		t.Fatal("expected fail-closed denial on user lookup error")
	}
}
