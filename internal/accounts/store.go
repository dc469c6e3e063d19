// Package accounts is the Postgres-backed account, identity, one-time code
// and calendar connection store.
package accounts

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"calendar-agent/internal/domain"
)

const (
	channelWhatsApp = "whatsapp"
	ProviderGoogle  = "google"

	DefaultCodeTTL = 10 * time.Minute
)

// ErrEmailTaken is returned by VerifyAndLink when createNew is set and the
// email already has an account.
var ErrEmailTaken = domain.ErrEmailTaken

// CodeMailer delivers a one-time code to an email address.
type CodeMailer interface {
	SendCode(ctx context.Context, email, code string) error
}

type Store struct {
	db      *sql.DB
	mailer  CodeMailer
	codeTTL time.Duration
	now     func() time.Time
	newCode func() (string, error)
	newID   func() string
}

type Option func(*Store)

func WithCodeTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.codeTTL = ttl
		}
	}
}

func New(db *sql.DB, mailer CodeMailer, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("accounts: db must not be nil")
	}
	if mailer == nil {
		return nil, errors.New("accounts: mailer must not be nil")
	}
	s := &Store{
		db:      db,
		mailer:  mailer,
		codeTTL: DefaultCodeTTL,
		now:     time.Now,
		newCode: randomCode,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open connects to Postgres with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("accounts: open: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("accounts: ping: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS identities (
		channel TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		linked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (channel, sender_id)
	)`,
	`CREATE TABLE IF NOT EXISTS otp_codes (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL,
		code_hash TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS otp_codes_email_idx ON otp_codes (email, expires_at)`,
	`CREATE TABLE IF NOT EXISTS calendar_connections (
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		provider TEXT NOT NULL,
		token JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (account_id, provider)
	)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("accounts: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) FindByIdentity(ctx context.Context, sender domain.SenderID) (domain.Account, bool, error) {
	var a domain.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT a.id, a.email FROM identities i JOIN accounts a ON a.id = i.account_id
		 WHERE i.channel = $1 AND i.sender_id = $2`,
		channelWhatsApp, string(sender),
	).Scan(&a.ID, &a.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, false, nil
	}
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("accounts: find identity: %w", err)
	}
	return a, true, nil
}

// SendCode issues a fresh code for email and mails it. Only the hash is stored.
func (s *Store) SendCode(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	code, err := s.newCode()
	if err != nil {
		return fmt.Errorf("accounts: generate code: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO otp_codes (email, code_hash, expires_at) VALUES ($1, $2, $3)`,
		email, hashCode(email, code), s.now().Add(s.codeTTL),
	); err != nil {
		return fmt.Errorf("accounts: store code: %w", err)
	}
	if err := s.mailer.SendCode(ctx, email, code); err != nil {
		return fmt.Errorf("accounts: mail code: %w", err)
	}
	return nil
}

// VerifyAndLink consumes a live code for email and attaches sender to the
// account owning email in one transaction, so a failed link leaves the code
// usable. A wrong or expired code is (_, false, nil). With createNew the
// account must not exist yet.
func (s *Store) VerifyAndLink(ctx context.Context, sender domain.SenderID, email, code string, createNew bool) (acct domain.Account, ok bool, err error) {
	email = normalizeEmail(email)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("accounts: verify and link: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// The UPDATE makes a code usable exactly once even under concurrent submissions.
	var codeID int64
	err = tx.QueryRowContext(ctx,
		`UPDATE otp_codes SET consumed_at = $3
		 WHERE email = $1 AND code_hash = $2 AND consumed_at IS NULL AND expires_at > $3
		 RETURNING id`,
		email, hashCode(email, code), s.now(),
	).Scan(&codeID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, false, nil
	}
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("accounts: verify code: %w", err)
	}

	if createNew {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO accounts (id, email) VALUES ($1, $2)
			 ON CONFLICT (email) DO NOTHING
			 RETURNING id, email`,
			s.newID(), email,
		).Scan(&acct.ID, &acct.Email)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, false, ErrEmailTaken
		}
	} else {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO accounts (id, email) VALUES ($1, $2)
			 ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
			 RETURNING id, email`,
			s.newID(), email,
		).Scan(&acct.ID, &acct.Email)
	}
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("accounts: link identity: account: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO identities (channel, sender_id, account_id) VALUES ($1, $2, $3)
		 ON CONFLICT (channel, sender_id) DO UPDATE SET account_id = EXCLUDED.account_id, linked_at = now()`,
		channelWhatsApp, string(sender), acct.ID,
	); err != nil {
		return domain.Account{}, false, fmt.Errorf("accounts: link identity: identity: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.Account{}, false, fmt.Errorf("accounts: verify and link: commit: %w", err)
	}
	committed = true
	return acct, true, nil
}

func (s *Store) HasCalendarConnection(ctx context.Context, accountID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM calendar_connections WHERE account_id = $1 AND provider = $2)`,
		accountID, ProviderGoogle,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("accounts: calendar connection: %w", err)
	}
	return ok, nil
}

// SaveCalendarConnection stores the provider token JSON for accountID.
func (s *Store) SaveCalendarConnection(ctx context.Context, accountID, provider string, token []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO calendar_connections (account_id, provider, token) VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, provider) DO UPDATE SET token = EXCLUDED.token, updated_at = now()`,
		accountID, provider, string(token),
	); err != nil {
		return fmt.Errorf("accounts: save calendar connection: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashCode(email, code string) string {
	sum := sha256.Sum256([]byte(email + ":" + code))
	return hex.EncodeToString(sum[:])
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
