// Package conversation keeps a bounded, summarized message log per sender and
// renders it into a size-capped prompt.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/kv"
)

// Summarizer condenses text to at most maxChars characters.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxChars int) (string, error)
}

// Limits are the compaction and rendering thresholds, in characters.
type Limits struct {
	// Compaction runs when content exceeds MaxContentChars and the live list
	// has more than MinMessagesToCompact messages.
	MaxContentChars      int
	MinMessagesToCompact int
	KeepRecent           int
	MaxSummaryChars      int

	SummaryDisplayChars int
	MessageDisplayChars int
	PromptCeiling       int

	SummarizeTimeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxContentChars:      6000,
		MinMessagesToCompact: 10,
		KeepRecent:           4,
		MaxSummaryChars:      1500,
		SummaryDisplayChars:  1500,
		MessageDisplayChars:  500,
		PromptCeiling:        4000,
		SummarizeTimeout:     8 * time.Second,
	}
}

const maxAppendAttempts = 10

type Manager struct {
	store      kv.Store
	summarizer Summarizer
	limits     Limits
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Manager)

func WithLimits(l Limits) Option {
	return func(m *Manager) {
		m.limits = l
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New returns a Manager. A nil summarizer always uses the truncation fallback.
func New(store kv.Store, summarizer Summarizer, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	m := &Manager{
		store:      store,
		summarizer: summarizer,
		limits:     DefaultLimits(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limits.KeepRecent < 1 {
		return nil, errors.New("conversation: KeepRecent must be positive")
	}
	if m.limits.PromptCeiling < 1 {
		return nil, errors.New("conversation: PromptCeiling must be positive")
	}
	return m, nil
}

func contextKey(sender domain.SenderID) string {
	return kv.Key("context", string(sender))
}

func (m *Manager) load(ctx context.Context, sender domain.SenderID) (domain.ConversationContext, string, error) {
	raw, err := m.store.Get(ctx, contextKey(sender))
	if errors.Is(err, kv.ErrNotFound) {
		return domain.ConversationContext{SenderID: sender}, "", nil
	}
	if err != nil {
		return domain.ConversationContext{}, "", fmt.Errorf("conversation: load: %w", err)
	}
	var c domain.ConversationContext
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return domain.ConversationContext{}, "", fmt.Errorf("conversation: decode: %w", err)
	}
	return c, raw, nil
}

// Load returns the stored context for sender, or an empty one.
func (m *Manager) Load(ctx context.Context, sender domain.SenderID) (domain.ConversationContext, error) {
	c, _, err := m.load(ctx, sender)
	return c, err
}

// Clear drops the stored context for sender.
func (m *Manager) Clear(ctx context.Context, sender domain.SenderID) error {
	if err := m.store.Delete(ctx, contextKey(sender)); err != nil {
		return fmt.Errorf("conversation: clear: %w", err)
	}
	return nil
}

// AppendMessage appends msg to the sender's context, compacting it when it
// grows past the limits. The write is a compare-and-swap on the previously
// read value, so concurrent appends for one sender retry instead of dropping
// a message.
func (m *Manager) AppendMessage(ctx context.Context, sender domain.SenderID, msg domain.ChatMessage) (domain.ConversationContext, error) {
	if msg.At.IsZero() {
		msg.At = m.now()
	}
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		c, raw, err := m.load(ctx, sender)
		if err != nil {
			return domain.ConversationContext{}, err
		}
		c.SenderID = sender
		c.Messages = append(c.Messages, msg)
		c.LastUpdated = m.now()
		c.Version++

		if c.ContentLength() > m.limits.MaxContentChars && len(c.Messages) > m.limits.MinMessagesToCompact {
			m.compact(ctx, &c)
		}

		encoded, err := json.Marshal(c)
		if err != nil {
			return domain.ConversationContext{}, fmt.Errorf("conversation: encode: %w", err)
		}
		ok, err := m.store.CompareAndSwap(ctx, contextKey(sender), raw, string(encoded), 0)
		if err != nil {
			return domain.ConversationContext{}, fmt.Errorf("conversation: save: %w", err)
		}
		if ok {
			return c, nil
		}

		backoff := rand.N(time.Duration(attempt) * 2 * time.Millisecond)
		select {
		case <-ctx.Done():
			return domain.ConversationContext{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return domain.ConversationContext{}, fmt.Errorf("conversation: append: gave up after %d contended attempts", maxAppendAttempts)
}

// compact folds all but the last KeepRecent messages into the summary. It
// never fails; summarizer errors fall back to truncation.
func (m *Manager) compact(ctx context.Context, c *domain.ConversationContext) {
	cut := len(c.Messages) - m.limits.KeepRecent
	if cut <= 0 {
		return
	}
	older := c.Messages[:cut]
	tail := make([]domain.ChatMessage, len(c.Messages)-cut)
	copy(tail, c.Messages[cut:])

	transcript := renderMessages(older, 0)
	summary, err := m.summarize(ctx, transcript)
	if err != nil {
		m.logger.Warn("summarizer failed, using truncated transcript", "sender", string(c.SenderID), "err", err)
		summary = truncate(transcript, m.limits.MaxSummaryChars)
	}

	merged := strings.TrimSpace(summary)
	if c.Summary != "" {
		merged = c.Summary + "\n" + merged
	}
	if runeLen(merged) > m.limits.MaxSummaryChars {
		condensed, err := m.summarize(ctx, merged)
		if err != nil {
			m.logger.Warn("summary re-condense failed, truncating", "sender", string(c.SenderID), "err", err)
			condensed = truncateHead(merged, m.limits.MaxSummaryChars)
		}
		merged = strings.TrimSpace(condensed)
	}
	if runeLen(merged) > m.limits.MaxSummaryChars {
		merged = truncateHead(merged, m.limits.MaxSummaryChars)
	}

	m.logger.Info("conversation compacted",
		"sender", string(c.SenderID),
		"folded", len(older),
		"kept", len(tail),
		"summary_chars", runeLen(merged),
	)
	c.Summary = merged
	c.Messages = tail
}

func (m *Manager) summarize(ctx context.Context, text string) (string, error) {
	if m.summarizer == nil {
		return "", errors.New("no summarizer configured")
	}
	timeout := m.limits.SummarizeTimeout
	if timeout <= 0 {
		timeout = DefaultLimits().SummarizeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		s, err := m.summarizer.Summarize(ctx, text, m.limits.MaxSummaryChars)
		done <- result{s, err}
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("summarize: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", r.err
		}
		if strings.TrimSpace(r.text) == "" {
			return "", errors.New("summarize: empty summary")
		}
		return r.text, nil
	}
}

// BuildContextPrompt renders c for reply generation. The result never exceeds
// PromptCeiling characters.
func (m *Manager) BuildContextPrompt(c domain.ConversationContext) string {
	var b strings.Builder
	if c.Summary != "" {
		b.WriteString("Summary of earlier conversation:\n")
		b.WriteString(truncate(c.Summary, m.limits.SummaryDisplayChars))
		b.WriteString("\n\n")
	}
	if len(c.Messages) > 0 {
		b.WriteString("Recent messages:\n")
		b.WriteString(renderMessages(c.Messages, m.limits.MessageDisplayChars))
	}
	return truncate(strings.TrimSpace(b.String()), m.limits.PromptCeiling)
}

// renderMessages formats messages one per line; perMessage > 0 caps each
// message's content.
func renderMessages(msgs []domain.ChatMessage, perMessage int) string {
	var b strings.Builder
	for _, msg := range msgs {
		content := msg.Content
		if perMessage > 0 {
			content = truncate(content, perMessage)
		}
		b.WriteString(roleLabel(msg.Role))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

func roleLabel(role string) string {
	switch role {
	case domain.RoleUser:
		return "User"
	case domain.RoleAssistant:
		return "Assistant"
	case domain.RoleSystem:
		return "System"
	}
	return role
}

func runeLen(s string) int {
	return len([]rune(s))
}

// truncate keeps the first limit runes of s, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 1 {
		return string(r[:limit])
	}
	return string(r[:limit-1]) + "…"
}

// truncateHead keeps the last limit runes of s; newer summary text sits at the end.
func truncateHead(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 1 {
		return string(r[len(r)-limit:])
	}
	return "…" + string(r[len(r)-limit+1:])
}
