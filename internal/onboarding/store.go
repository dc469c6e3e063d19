package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/kv"
)

// ErrInconsistentState is returned when a session write cannot be confirmed by
// reading it back. Callers must treat it as a failure, never as success.
var ErrInconsistentState = errors.New("onboarding: inconsistent session state")

// SessionStore persists onboarding sessions as JSON under onboarding#<sender>.
type SessionStore struct {
	store kv.Store
}

func NewSessionStore(store kv.Store) (*SessionStore, error) {
	if store == nil {
		return nil, errors.New("onboarding: store must not be nil")
	}
	return &SessionStore{store: store}, nil
}

func sessionKey(sender domain.SenderID) string {
	return kv.Key("onboarding", string(sender))
}

// Load returns the session for sender, or kv.ErrNotFound.
func (s *SessionStore) Load(ctx context.Context, sender domain.SenderID) (domain.OnboardingSession, error) {
	raw, err := s.store.Get(ctx, sessionKey(sender))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return domain.OnboardingSession{}, err
		}
		return domain.OnboardingSession{}, fmt.Errorf("onboarding: load session: %w", err)
	}
	var sess domain.OnboardingSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return domain.OnboardingSession{}, fmt.Errorf("onboarding: decode session: %w", err)
	}
	return sess, nil
}

// Create stores sess only if the sender has no session yet.
func (s *SessionStore) Create(ctx context.Context, sess domain.OnboardingSession) (bool, error) {
	raw, err := json.Marshal(sess)
	if err != nil {
		return false, fmt.Errorf("onboarding: encode session: %w", err)
	}
	ok, err := s.store.CompareAndSwap(ctx, sessionKey(sess.SenderID), "", string(raw), 0)
	if err != nil {
		return false, fmt.Errorf("onboarding: create session: %w", err)
	}
	return ok, nil
}

// Save writes sess and reads it back, comparing the fields that drive the
// flow. A mismatch means a concurrent writer won and yields ErrInconsistentState.
func (s *SessionStore) Save(ctx context.Context, sess domain.OnboardingSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("onboarding: encode session: %w", err)
	}
	if err := s.store.Set(ctx, sessionKey(sess.SenderID), string(raw), 0); err != nil {
		return fmt.Errorf("onboarding: save session: %w", err)
	}

	got, err := s.Load(ctx, sess.SenderID)
	if err != nil {
		return fmt.Errorf("onboarding: verify session: %w", err)
	}
	if got.State != sess.State || got.PendingEmail != sess.PendingEmail || got.LinkedAccountID != sess.LinkedAccountID {
		return fmt.Errorf("%w: wrote %s, read back %s", ErrInconsistentState, sess.State, got.State)
	}
	return nil
}
