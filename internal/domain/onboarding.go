package domain

import (
	"errors"
	"time"
)

// ErrEmailTaken is returned when a new account is requested for an email that
// already belongs to another account.
var ErrEmailTaken = errors.New("email already registered")

// OnboardingState is the state of the identity-linking flow for one sender.
type OnboardingState string

const (
	StateWelcome         OnboardingState = "welcome"
	StateAwaitingChoice  OnboardingState = "awaiting_choice"
	StateEmailInput      OnboardingState = "email_input"
	StateOTPVerification OnboardingState = "otp_verification"
	StateGoogleAuth      OnboardingState = "google_auth"
	StateComplete        OnboardingState = "complete"
)

// OnboardingStates lists every declared state.
var OnboardingStates = []OnboardingState{
	StateWelcome,
	StateAwaitingChoice,
	StateEmailInput,
	StateOTPVerification,
	StateGoogleAuth,
	StateComplete,
}

// Valid reports whether s is a declared state.
func (s OnboardingState) Valid() bool {
	for _, st := range OnboardingStates {
		if s == st {
			return true
		}
	}
	return false
}

// OnboardingSession is the persisted onboarding record for one sender.
type OnboardingSession struct {
	SenderID        SenderID        `json:"senderId"`
	State           OnboardingState `json:"state"`
	PendingEmail    string          `json:"pendingEmail,omitempty"`
	LinkedAccountID string          `json:"linkedAccountId,omitempty"`
	NewAccount      bool            `json:"newAccount,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Account is the subset of an account record the session core needs.
type Account struct {
	ID    string
	Email string
}
