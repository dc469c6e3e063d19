package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/integrations/google"
)

const providerGoogle = "google"

type OAuthCallback interface {
	Callback(ctx context.Context, state, code string) (google.Connection, error)
}

type ConnectionSaver interface {
	SaveCalendarConnection(ctx context.Context, accountID, provider string, token []byte) error
}

type OnboardingCompleter interface {
	CompleteCalendarConnection(ctx context.Context, sender domain.SenderID) error
}

// CalendarService finishes the calendar authorization started during onboarding.
type CalendarService struct {
	oauth      OAuthCallback
	saver      ConnectionSaver
	onboarding OnboardingCompleter
	logger     *slog.Logger
}

func NewCalendarService(oauth OAuthCallback, saver ConnectionSaver, onboarding OnboardingCompleter, logger *slog.Logger) (*CalendarService, error) {
	if oauth == nil {
		return nil, errors.New("usecase: oauth callback must not be nil")
	}
	if saver == nil {
		return nil, errors.New("usecase: connection saver must not be nil")
	}
	if onboarding == nil {
		return nil, errors.New("usecase: onboarding must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarService{oauth: oauth, saver: saver, onboarding: onboarding, logger: logger}, nil
}

// Connect exchanges the authorization code, stores the token and moves the
// sender's onboarding to complete.
func (s *CalendarService) Connect(ctx context.Context, state, code string) error {
	conn, err := s.oauth.Callback(ctx, state, code)
	if errors.Is(err, google.ErrInvalidState) {
		return newError(ErrorInvalidInput, "invalid_oauth_state", err)
	}
	if err != nil {
		return upstreamError("oauth_exchange_error", err)
	}
	token, err := json.Marshal(conn.Token)
	if err != nil {
		return newError(ErrorInternal, "token_encode_error", err)
	}
	if err := s.saver.SaveCalendarConnection(ctx, conn.AccountID, providerGoogle, token); err != nil {
		return newError(ErrorInternal, "calendar_connection_save_error", err)
	}
	if err := s.onboarding.CompleteCalendarConnection(ctx, conn.SenderID); err != nil {
		return newError(ErrorInternal, "onboarding_complete_error", err)
	}
	s.logger.Info("calendar connected", "sender", string(conn.SenderID), "account_id", conn.AccountID)
	return nil
}
