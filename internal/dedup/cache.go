// Package dedup filters redelivered inbound messages for a short TTL.
package dedup

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"calendar-agent/internal/kv"
)

const DefaultTTL = 60 * time.Second

// Cache is a best-effort idempotency filter keyed by inbound message id.
type Cache struct {
	store  kv.Store
	ttl    time.Duration
	logger *slog.Logger
}

func New(store kv.Store, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("dedup: store must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, ttl: ttl, logger: logger}, nil
}

// Seen reports whether messageID was already recorded within the TTL, and
// records it otherwise. Store failures fail open: the message is treated as new.
func (c *Cache) Seen(ctx context.Context, messageID string) bool {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false
	}
	recorded, err := c.store.SetIfAbsent(ctx, kv.Key("dedup", messageID), time.Now().UTC().Format(time.RFC3339Nano), c.ttl)
	if err != nil {
		c.logger.Warn("dedup store unavailable, failing open", "message_id", messageID, "err", err)
		return false
	}
	return !recorded
}
