// Package ratelimit implements per-sender, per-category fixed-window limits on
// top of the shared atomic store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/kv"
)

type Category string

const (
	CategoryAuth    Category = "auth"
	CategoryMessage Category = "message"
	CategoryVoice   Category = "voice"
)

// Policy is the number of attempts allowed per window.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultPolicies returns the reference thresholds.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		CategoryAuth:    {MaxAttempts: 10, Window: 15 * time.Minute},
		CategoryMessage: {MaxAttempts: 30, Window: time.Minute},
		CategoryVoice:   {MaxAttempts: 10, Window: time.Minute},
	}
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Count     int64
	Remaining int
	ResetIn   time.Duration
	// Unavailable marks a denial caused by an unreachable store while failing
	// closed, as opposed to the sender exceeding the policy.
	Unavailable bool
	max         int
}

// FirstDenial reports whether this is the first denied call of the window, so
// callers can notify the sender once instead of on every throttled message.
func (d Decision) FirstDenial() bool {
	return !d.Allowed && d.Count == int64(d.max)+1
}

// Limiter checks and resets rate windows.
type Limiter struct {
	store      kv.Store
	policies   map[Category]Policy
	failClosed bool
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Limiter)

// WithFailClosed denies requests when the store is unreachable instead of
// allowing them.
func WithFailClosed(failClosed bool) Option {
	return func(l *Limiter) {
		l.failClosed = failClosed
	}
}

// WithPolicy overrides the policy of one category.
func WithPolicy(cat Category, p Policy) Option {
	return func(l *Limiter) {
		if p.MaxAttempts > 0 && p.Window > 0 {
			l.policies[cat] = p
		}
	}
}

// WithClock sets the time source used to compute ResetIn. It should match the
// store's clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(store kv.Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store must not be nil")
	}
	l := &Limiter{
		store:    store,
		policies: DefaultPolicies(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func windowKey(sender domain.SenderID, cat Category) string {
	return kv.Key("rate", string(cat), string(sender))
}

// Check counts one attempt for (sender, cat) and reports whether it is allowed.
func (l *Limiter) Check(ctx context.Context, sender domain.SenderID, cat Category) Decision {
	policy, ok := l.policies[cat]
	if !ok {
		l.logger.Error("ratelimit: unknown category, allowing", "category", string(cat), "sender", string(sender))
		return Decision{Allowed: true}
	}

	count, expiresAt, err := l.store.Incr(ctx, windowKey(sender, cat), policy.Window)
	if err != nil {
		if l.failClosed {
			l.logger.Warn("ratelimit store unavailable, failing closed", "category", string(cat), "sender", string(sender), "err", err)
			return Decision{Allowed: false, Remaining: 0, ResetIn: policy.Window, Unavailable: true, max: policy.MaxAttempts}
		}
		l.logger.Warn("ratelimit store unavailable, failing open", "category", string(cat), "sender", string(sender), "err", err)
		return Decision{Allowed: true, Remaining: policy.MaxAttempts, ResetIn: policy.Window, max: policy.MaxAttempts}
	}

	remaining := policy.MaxAttempts - int(count)
	if remaining < 0 {
		remaining = 0
	}
	resetIn := expiresAt.Sub(l.now())
	if resetIn < 0 {
		resetIn = 0
	}
	return Decision{
		Allowed:   count <= int64(policy.MaxAttempts),
		Count:     count,
		Remaining: remaining,
		ResetIn:   resetIn,
		max:       policy.MaxAttempts,
	}
}

// Reset clears the window for (sender, cat).
func (l *Limiter) Reset(ctx context.Context, sender domain.SenderID, cat Category) error {
	if err := l.store.Delete(ctx, windowKey(sender, cat)); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", cat, err)
	}
	return nil
}
