// Package onboarding drives a chat sender through linking the chat identity to
// an account and connecting a calendar.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/kv"
	"calendar-agent/internal/lock"
	"calendar-agent/internal/ratelimit"
)

// Accounts is the persistent account and one-time code capability.
type Accounts interface {
	FindByIdentity(ctx context.Context, sender domain.SenderID) (domain.Account, bool, error)
	SendCode(ctx context.Context, email string) error
	// VerifyAndLink consumes code for email and attaches sender to the account
	// owning email atomically; the code stays usable when linking fails. A
	// wrong or expired code is (_, false, nil). With createNew an existing
	// account for email yields domain.ErrEmailTaken.
	VerifyAndLink(ctx context.Context, sender domain.SenderID, email, code string, createNew bool) (domain.Account, bool, error)
	HasCalendarConnection(ctx context.Context, accountID string) (bool, error)
}

// AuthLinker produces the calendar authorization link for an account.
type AuthLinker interface {
	AuthURL(ctx context.Context, sender domain.SenderID, accountID string) (string, error)
}

// Outbound sends onboarding replies. Onboarding always answers an inbound
// message, so replies are free-form.
type Outbound interface {
	SendText(ctx context.Context, to domain.SenderID, text string) error
	SendButtons(ctx context.Context, to domain.SenderID, body string, buttons []domain.Button) error
}

type input struct {
	text     string
	buttonID string
}

type stateHandler func(m *Machine, ctx context.Context, sess domain.OnboardingSession, in input) (domain.OnboardingSession, error)

// Machine runs one onboarding step per inbound message.
type Machine struct {
	sessions *SessionStore
	accounts Accounts
	linker   AuthLinker
	out      Outbound
	mutex    *lock.Mutex
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	now      func() time.Time
	handlers map[domain.OnboardingState]stateHandler
}

type Deps struct {
	Sessions *SessionStore
	Accounts Accounts
	Linker   AuthLinker
	Outbound Outbound
	Mutex    *lock.Mutex
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger
}

func New(d Deps) (*Machine, error) {
	switch {
	case d.Sessions == nil:
		return nil, errors.New("onboarding: sessions must not be nil")
	case d.Accounts == nil:
		return nil, errors.New("onboarding: accounts must not be nil")
	case d.Linker == nil:
		return nil, errors.New("onboarding: linker must not be nil")
	case d.Outbound == nil:
		return nil, errors.New("onboarding: outbound must not be nil")
	case d.Mutex == nil:
		return nil, errors.New("onboarding: mutex must not be nil")
	case d.Limiter == nil:
		return nil, errors.New("onboarding: limiter must not be nil")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		sessions: d.Sessions,
		accounts: d.Accounts,
		linker:   d.Linker,
		out:      d.Outbound,
		mutex:    d.Mutex,
		limiter:  d.Limiter,
		logger:   logger,
		now:      time.Now,
		handlers: map[domain.OnboardingState]stateHandler{
			domain.StateWelcome:         (*Machine).handleWelcome,
			domain.StateAwaitingChoice:  (*Machine).handleAwaitingChoice,
			domain.StateEmailInput:      (*Machine).handleEmailInput,
			domain.StateOTPVerification: (*Machine).handleOTP,
			domain.StateGoogleAuth:      (*Machine).handleGoogleAuth,
			domain.StateComplete:        (*Machine).handleComplete,
		},
	}, nil
}

// ResolveIdentity returns the session for sender, creating it on first
// contact. A sender already linked in the account store starts as complete.
// Concurrent first contacts converge on whichever session was created first.
func (m *Machine) ResolveIdentity(ctx context.Context, sender domain.SenderID) (domain.OnboardingSession, error) {
	sess, err := m.sessions.Load(ctx, sender)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return domain.OnboardingSession{}, err
	}

	acct, linked, err := m.accounts.FindByIdentity(ctx, sender)
	if err != nil {
		return domain.OnboardingSession{}, fmt.Errorf("onboarding: find identity: %w", err)
	}
	sess = domain.OnboardingSession{SenderID: sender, State: domain.StateWelcome, UpdatedAt: m.now()}
	if linked {
		sess.State = domain.StateComplete
		sess.LinkedAccountID = acct.ID
	}

	created, err := m.sessions.Create(ctx, sess)
	if err != nil {
		return domain.OnboardingSession{}, err
	}
	if created {
		return sess, nil
	}
	return m.sessions.Load(ctx, sender)
}

// Handle advances sess by one step for msg and returns the resulting session.
// On error the sender has already been told to try again and the stored state
// is unchanged.
func (m *Machine) Handle(ctx context.Context, sess domain.OnboardingSession, msg domain.InboundMessage) (domain.OnboardingSession, error) {
	in := input{text: msg.Text, buttonID: msg.ButtonID}
	if msg.Type == domain.MessageInteractive && in.text == "" {
		in.text = msg.ButtonID
	}

	var (
		next domain.OnboardingSession
		err  error
	)
	if IsResetCommand(in.text) {
		next, err = m.Reset(ctx, sess.SenderID)
	} else {
		h, ok := m.handlers[sess.State]
		if !ok {
			m.logger.Error("unknown onboarding state, restarting", "sender", string(sess.SenderID), "state", string(sess.State))
			next, err = m.Reset(ctx, sess.SenderID)
		} else {
			next, err = h(m, ctx, sess, in)
		}
	}
	if err != nil {
		m.logger.Error("onboarding step failed", "sender", string(sess.SenderID), "state", string(sess.State), "err", err)
		m.reply(ctx, sess.SenderID, msgGeneric)
		return sess, err
	}
	return next, nil
}

// Reset returns sender to welcome and sends the welcome prompt, leaving the
// session in awaiting_choice.
func (m *Machine) Reset(ctx context.Context, sender domain.SenderID) (domain.OnboardingSession, error) {
	sess := domain.OnboardingSession{SenderID: sender, State: domain.StateWelcome, UpdatedAt: m.now()}
	if err := m.sessions.Save(ctx, sess); err != nil {
		return domain.OnboardingSession{}, err
	}
	return m.promptChoice(ctx, sess)
}

func (m *Machine) transition(ctx context.Context, sess domain.OnboardingSession, to domain.OnboardingState, edit func(*domain.OnboardingSession)) (domain.OnboardingSession, error) {
	next := sess
	next.State = to
	if edit != nil {
		edit(&next)
	}
	next.UpdatedAt = m.now()
	if err := m.sessions.Save(ctx, next); err != nil {
		return sess, err
	}
	m.logger.Info("onboarding transition", "sender", string(sess.SenderID), "from", string(sess.State), "to", string(to))
	return next, nil
}

func (m *Machine) reply(ctx context.Context, to domain.SenderID, text string) {
	if err := m.out.SendText(ctx, to, text); err != nil {
		m.logger.Warn("onboarding reply failed", "sender", string(to), "err", err)
	}
}

func (m *Machine) refuse(ctx context.Context, to domain.SenderID, d ratelimit.Decision) {
	if d.Unavailable {
		m.reply(ctx, to, msgUnavailable)
		return
	}
	m.reply(ctx, to, msgThrottled(d.ResetIn))
}

func (m *Machine) promptChoice(ctx context.Context, sess domain.OnboardingSession) (domain.OnboardingSession, error) {
	buttons := []domain.Button{
		{ID: ButtonLinkExisting, Title: msgButtonExisting},
		{ID: ButtonLinkNew, Title: msgButtonNew},
	}
	if err := m.out.SendButtons(ctx, sess.SenderID, msgWelcome, buttons); err != nil {
		return sess, fmt.Errorf("onboarding: send welcome: %w", err)
	}
	if sess.State == domain.StateAwaitingChoice {
		return sess, nil
	}
	return m.transition(ctx, sess, domain.StateAwaitingChoice, nil)
}

func (m *Machine) handleWelcome(ctx context.Context, sess domain.OnboardingSession, in input) (domain.OnboardingSession, error) {
	if parseChoice(in) != choiceNone {
		return m.handleAwaitingChoice(ctx, sess, in)
	}
	return m.promptChoice(ctx, sess)
}

func (m *Machine) handleAwaitingChoice(ctx context.Context, sess domain.OnboardingSession, in input) (domain.OnboardingSession, error) {
	c := parseChoice(in)
	if c == choiceNone {
		return m.promptChoice(ctx, sess)
	}
	next, err := m.transition(ctx, sess, domain.StateEmailInput, func(s *domain.OnboardingSession) {
		s.NewAccount = c == choiceNew
		s.PendingEmail = ""
	})
	if err != nil {
		return sess, err
	}
	if next.NewAccount {
		m.reply(ctx, sess.SenderID, msgAskEmailNew)
	} else {
		m.reply(ctx, sess.SenderID, msgAskEmailExisting)
	}
	return next, nil
}

func (m *Machine) handleEmailInput(ctx context.Context, sess domain.OnboardingSession, in input) (domain.OnboardingSession, error) {
	email := strings.ToLower(strings.TrimSpace(in.text))
	if !ValidEmail(email) {
		m.reply(ctx, sess.SenderID, msgInvalidEmail)
		return sess, nil
	}
	if d := m.limiter.Check(ctx, sess.SenderID, ratelimit.CategoryAuth); !d.Allowed {
		m.refuse(ctx, sess.SenderID, d)
		return sess, nil
	}

	next := sess
	acquired, err := m.mutex.Do(ctx, sess.SenderID, func(ctx context.Context) error {
		if err := m.accounts.SendCode(ctx, email); err != nil {
			return fmt.Errorf("onboarding: send code: %w", err)
		}
		var err error
		next, err = m.transition(ctx, sess, domain.StateOTPVerification, func(s *domain.OnboardingSession) {
			s.PendingEmail = email
		})
		return err
	})
	if err != nil {
		return sess, err
	}
	if !acquired {
		m.reply(ctx, sess.SenderID, msgBusy)
		return sess, nil
	}
	m.reply(ctx, sess.SenderID, msgCodeSent(email))
	return next, nil
}

func (m *Machine) handleOTP(ctx context.Context, sess domain.OnboardingSession, in input) (domain.OnboardingSession, error) {
	switch {
	case isResend(in.text):
		return m.resendCode(ctx, sess)
	case isChangeEmail(in.text):
		next, err := m.transition(ctx, sess, domain.StateEmailInput, func(s *domain.OnboardingSession) {
			s.PendingEmail = ""
		})
		if err != nil {
			return sess, err
		}
		m.reply(ctx, sess.SenderID, msgAskEmailExisting)
		return next, nil
	}

	code := NormalizeCode(in.text)
	if !ValidCode(code) {
		m.reply(ctx, sess.SenderID, msgInvalidCodeShape)
		return sess, nil
	}
	if d := m.limiter.Check(ctx, sess.SenderID, ratelimit.CategoryAuth); !d.Allowed {
		m.refuse(ctx, sess.SenderID, d)
		return sess, nil
	}

	next := sess
	var replyText string
	acquired, err := m.mutex.Do(ctx, sess.SenderID, func(ctx context.Context) error {
		var err error
		next, replyText, err = m.verify(ctx, sess, code)
		return err
	})
	if err != nil {
		return sess, err
	}
	if !acquired {
		m.reply(ctx, sess.SenderID, msgBusy)
		return sess, nil
	}
	m.reply(ctx, sess.SenderID, replyText)
	return next, nil
}

// verify runs under the sender lock.
func (m *Machine) verify(ctx context.Context, sess domain.OnboardingSession, code string) (domain.OnboardingSession, string, error) {
	if acct, linked, err := m.accounts.FindByIdentity(ctx, sess.SenderID); err != nil {
		return sess, "", fmt.Errorf("onboarding: find identity: %w", err)
	} else if linked {
		next, err := m.transition(ctx, sess, domain.StateComplete, func(s *domain.OnboardingSession) {
			s.LinkedAccountID = acct.ID
			s.PendingEmail = ""
		})
		return next, msgAlreadyLinked, err
	}

	acct, ok, err := m.accounts.VerifyAndLink(ctx, sess.SenderID, sess.PendingEmail, code, sess.NewAccount)
	if errors.Is(err, domain.ErrEmailTaken) {
		// The code was not consumed; resending it links the existing account.
		next, err := m.transition(ctx, sess, domain.StateOTPVerification, func(s *domain.OnboardingSession) {
			s.NewAccount = false
		})
		return next, msgEmailTaken(sess.PendingEmail), err
	}
	if err != nil {
		return sess, "", fmt.Errorf("onboarding: verify and link: %w", err)
	}
	if !ok {
		return sess, msgInvalidCode, nil
	}

	if err := m.limiter.Reset(ctx, sess.SenderID, ratelimit.CategoryAuth); err != nil {
		m.logger.Warn("auth limiter reset failed", "sender", string(sess.SenderID), "err", err)
	}

	connected, err := m.accounts.HasCalendarConnection(ctx, acct.ID)
	if err != nil {
		return sess, "", fmt.Errorf("onboarding: calendar connection: %w", err)
	}
	if connected {
		next, err := m.transition(ctx, sess, domain.StateComplete, func(s *domain.OnboardingSession) {
			s.LinkedAccountID = acct.ID
			s.PendingEmail = ""
		})
		return next, msgComplete, err
	}

	url, err := m.linker.AuthURL(ctx, sess.SenderID, acct.ID)
	if err != nil {
		return sess, "", fmt.Errorf("onboarding: auth url: %w", err)
	}
	next, err := m.transition(ctx, sess, domain.StateGoogleAuth, func(s *domain.OnboardingSession) {
		s.LinkedAccountID = acct.ID
		s.PendingEmail = ""
	})
	return next, msgConnectCalendar(url), err
}

func (m *Machine) resendCode(ctx context.Context, sess domain.OnboardingSession) (domain.OnboardingSession, error) {
	if d := m.limiter.Check(ctx, sess.SenderID, ratelimit.CategoryAuth); !d.Allowed {
		m.refuse(ctx, sess.SenderID, d)
		return sess, nil
	}
	acquired, err := m.mutex.Do(ctx, sess.SenderID, func(ctx context.Context) error {
		if err := m.accounts.SendCode(ctx, sess.PendingEmail); err != nil {
			return fmt.Errorf("onboarding: resend code: %w", err)
		}
		return nil
	})
	if err != nil {
		return sess, err
	}
	if !acquired {
		m.reply(ctx, sess.SenderID, msgBusy)
		return sess, nil
	}
	m.reply(ctx, sess.SenderID, msgCodeResent(sess.PendingEmail))
	return sess, nil
}

func (m *Machine) handleGoogleAuth(ctx context.Context, sess domain.OnboardingSession, _ input) (domain.OnboardingSession, error) {
	connected, err := m.accounts.HasCalendarConnection(ctx, sess.LinkedAccountID)
	if err != nil {
		return sess, fmt.Errorf("onboarding: calendar connection: %w", err)
	}
	if connected {
		next, err := m.transition(ctx, sess, domain.StateComplete, nil)
		if err != nil {
			return sess, err
		}
		m.reply(ctx, sess.SenderID, msgCalendarReady)
		return next, nil
	}

	url, err := m.linker.AuthURL(ctx, sess.SenderID, sess.LinkedAccountID)
	if err != nil {
		return sess, fmt.Errorf("onboarding: auth url: %w", err)
	}
	m.reply(ctx, sess.SenderID, msgStillWaitingCalendar(url))
	return sess, nil
}

// handleComplete is a no-op; complete sessions bypass onboarding.
func (m *Machine) handleComplete(_ context.Context, sess domain.OnboardingSession, _ input) (domain.OnboardingSession, error) {
	return sess, nil
}

// CompleteCalendarConnection moves a sender waiting in google_auth to complete
// after the authorization callback recorded the connection.
func (m *Machine) CompleteCalendarConnection(ctx context.Context, sender domain.SenderID) error {
	sess, err := m.sessions.Load(ctx, sender)
	if err != nil {
		return err
	}
	if sess.State != domain.StateGoogleAuth {
		return nil
	}
	if _, err := m.transition(ctx, sess, domain.StateComplete, nil); err != nil {
		return err
	}
	m.reply(ctx, sender, msgCalendarReady)
	return nil
}
