// Package google links an account to Google Calendar through the OAuth 2.0
// authorization code flow.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/kv"
)

const (
	CalendarScope   = "https://www.googleapis.com/auth/calendar"
	DefaultStateTTL = 15 * time.Minute
)

// ErrInvalidState is returned by Callback for unknown, expired or already used states.
var ErrInvalidState = errors.New("google: invalid or expired oauth state")

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Connection is the result of a completed authorization.
type Connection struct {
	AccountID string
	SenderID  domain.SenderID
	Token     *oauth2.Token
}

type pendingAuth struct {
	AccountID string          `json:"accountId"`
	SenderID  domain.SenderID `json:"senderId"`
}

type Linker struct {
	oauth      *oauth2.Config
	store      kv.Store
	stateTTL   time.Duration
	httpClient *http.Client
	newState   func() string
}

type Option func(*Linker)

func WithStateTTL(ttl time.Duration) Option {
	return func(l *Linker) {
		if ttl > 0 {
			l.stateTTL = ttl
		}
	}
}

// WithEndpoint overrides the Google endpoint, for tests.
func WithEndpoint(ep oauth2.Endpoint) Option {
	return func(l *Linker) { l.oauth.Endpoint = ep }
}

func WithHTTPClient(c *http.Client) Option {
	return func(l *Linker) { l.httpClient = c }
}

func NewLinker(cfg Config, store kv.Store, opts ...Option) (*Linker, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("google: client id and secret are required")
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, errors.New("google: redirect url is required")
	}
	if store == nil {
		return nil, errors.New("google: store must not be nil")
	}
	l := &Linker{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoints.Google,
			Scopes:       []string{CalendarScope},
		},
		store:    store,
		stateTTL: DefaultStateTTL,
		newState: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// AuthURL records a single-use state for the sender and returns the consent URL.
func (l *Linker) AuthURL(ctx context.Context, sender domain.SenderID, accountID string) (string, error) {
	state := l.newState()
	raw, err := json.Marshal(pendingAuth{AccountID: accountID, SenderID: sender})
	if err != nil {
		return "", err
	}
	if err := l.store.Set(ctx, kv.Key("oauth", state), string(raw), l.stateTTL); err != nil {
		return "", fmt.Errorf("google: store state: %w", err)
	}
	return l.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Callback consumes state and exchanges code for a token.
func (l *Linker) Callback(ctx context.Context, state, code string) (Connection, error) {
	state, code = strings.TrimSpace(state), strings.TrimSpace(code)
	if state == "" || code == "" {
		return Connection{}, ErrInvalidState
	}
	key := kv.Key("oauth", state)
	raw, err := l.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return Connection{}, ErrInvalidState
	}
	if err != nil {
		return Connection{}, fmt.Errorf("google: load state: %w", err)
	}
	consumed, err := l.store.DeleteIfValue(ctx, key, raw)
	if err != nil {
		return Connection{}, fmt.Errorf("google: consume state: %w", err)
	}
	if !consumed {
		return Connection{}, ErrInvalidState
	}
	var pending pendingAuth
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return Connection{}, fmt.Errorf("google: decode state: %w", err)
	}

	if l.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, l.httpClient)
	}
	tok, err := l.oauth.Exchange(ctx, code)
	if err != nil {
		return Connection{}, fmt.Errorf("google: exchange code: %w", err)
	}
	return Connection{AccountID: pending.AccountID, SenderID: pending.SenderID, Token: tok}, nil
}
