// Package lock provides a short-lived, non-blocking per-sender mutex over the
// shared atomic store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/kv"
)

const DefaultTTL = 30 * time.Second

// Mutex hands out at most one Lease per sender at a time. A holder that
// crashes loses the lock when its TTL elapses.
type Mutex struct {
	store      kv.Store
	ttl        time.Duration
	failClosed bool
	logger     *slog.Logger
	newToken   func() string
}

type Option func(*Mutex)

func WithTTL(ttl time.Duration) Option {
	return func(m *Mutex) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithFailClosed makes Acquire fail when the store is unreachable instead of
// granting an unguarded lease.
func WithFailClosed(failClosed bool) Option {
	return func(m *Mutex) {
		m.failClosed = failClosed
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Mutex) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func New(store kv.Store, opts ...Option) (*Mutex, error) {
	if store == nil {
		return nil, errors.New("lock: store must not be nil")
	}
	m := &Mutex{
		store:    store,
		ttl:      DefaultTTL,
		logger:   slog.Default(),
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func lockKey(sender domain.SenderID) string {
	return kv.Key("lock", string(sender))
}

// Lease is a held lock.
type Lease struct {
	m      *Mutex
	sender domain.SenderID
	token  string
	// unguarded is set when the lease was granted because the store failed.
	unguarded bool
}

// Acquire tries once to take the lock for sender; it never waits.
func (m *Mutex) Acquire(ctx context.Context, sender domain.SenderID) (*Lease, bool) {
	token := m.newToken()
	ok, err := m.store.SetIfAbsent(ctx, lockKey(sender), token, m.ttl)
	if err != nil {
		if m.failClosed {
			m.logger.Warn("lock store unavailable, failing closed", "sender", string(sender), "err", err)
			return nil, false
		}
		m.logger.Warn("lock store unavailable, failing open", "sender", string(sender), "err", err)
		return &Lease{m: m, sender: sender, token: token, unguarded: true}, true
	}
	if !ok {
		return nil, false
	}
	return &Lease{m: m, sender: sender, token: token}, true
}

// Release frees the lease if it is still the current holder. Releasing a
// lease whose TTL already elapsed and was re-acquired by someone else is a no-op.
func (l *Lease) Release(ctx context.Context) {
	if l == nil {
		return
	}
	released, err := l.m.store.DeleteIfValue(ctx, lockKey(l.sender), l.token)
	if err != nil {
		l.m.logger.Warn("lock release failed, relying on ttl", "sender", string(l.sender), "err", err)
		return
	}
	if !released && !l.unguarded {
		l.m.logger.Warn("lock lease expired before release", "sender", string(l.sender))
	}
}

// Release force-deletes the lock for sender regardless of holder.
func (m *Mutex) Release(ctx context.Context, sender domain.SenderID) error {
	if err := m.store.Delete(ctx, lockKey(sender)); err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	return nil
}

// Do runs fn while holding the lock for sender. It reports acquired=false
// without calling fn when the lock is held elsewhere. The lease is released on
// every exit path, including a panic in fn.
func (m *Mutex) Do(ctx context.Context, sender domain.SenderID, fn func(ctx context.Context) error) (acquired bool, err error) {
	lease, ok := m.Acquire(ctx, sender)
	if !ok {
		return false, nil
	}
	defer lease.Release(context.WithoutCancel(ctx))
	return true, fn(ctx)
}
