package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/kv"
)

const sender domain.SenderID = "+15550002222"

type fakeSummarizer struct {
	mu    sync.Mutex
	calls []string
	err   error
	block bool
	out   func(text string, maxChars int) string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string, maxChars int) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	if f.out != nil {
		return f.out(text, maxChars), nil
	}
	return fmt.Sprintf("summary of %d chars", utf8.RuneCountInString(text)), nil
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T, s Summarizer, opts ...Option) *Manager {
	t.Helper()
	m, err := New(kv.NewMemory(), s, opts...)
	require.NoError(t, err)
	return m
}

func userMsg(n int) domain.ChatMessage {
	return domain.ChatMessage{Role: domain.RoleUser, Content: strings.Repeat("x", n)}
}

func TestAppendMessage_PersistsAcrossLoads(t *testing.T) {
	m := newTestManager(t, &fakeSummarizer{})
	ctx := context.Background()

	_, err := m.AppendMessage(ctx, sender, domain.ChatMessage{Role: domain.RoleUser, Content: "book lunch friday"})
	require.NoError(t, err)
	c, err := m.AppendMessage(ctx, sender, domain.ChatMessage{Role: domain.RoleAssistant, Content: "Done."})
	require.NoError(t, err)
	require.Equal(t, int64(2), c.Version)

	loaded, err := m.Load(ctx, sender)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	require.Equal(t, "book lunch friday", loaded.Messages[0].Content)
	require.False(t, loaded.Messages[0].At.IsZero())
}

func TestLoad_EmptyForUnknownSender(t *testing.T) {
	m := newTestManager(t, nil)
	c, err := m.Load(context.Background(), "nobody")
	require.NoError(t, err)
	require.Empty(t, c.Messages)
	require.Equal(t, domain.SenderID("nobody"), c.SenderID)
}

func TestAppendMessage_CompactsPastThresholds(t *testing.T) {
	s := &fakeSummarizer{}
	m := newTestManager(t, s)
	ctx := context.Background()

	var c domain.ConversationContext
	var err error
	for i := 0; i < 11; i++ {
		c, err = m.AppendMessage(ctx, sender, userMsg(600))
		require.NoError(t, err)
	}

	require.Len(t, c.Messages, 4)
	require.Equal(t, 1, s.callCount())
	require.Equal(t, 7, strings.Count(s.calls[0], "User: "))
	require.NotEmpty(t, c.Summary)
}

func TestAppendMessage_NoCompactionAtOrBelowMessageMinimum(t *testing.T) {
	s := &fakeSummarizer{}
	m := newTestManager(t, s)

	var c domain.ConversationContext
	var err error
	for i := 0; i < 10; i++ {
		c, err = m.AppendMessage(context.Background(), sender, userMsg(900))
		require.NoError(t, err)
	}
	require.Len(t, c.Messages, 10)
	require.Zero(t, s.callCount())
}

func TestAppendMessage_NoCompactionWhenShort(t *testing.T) {
	s := &fakeSummarizer{}
	m := newTestManager(t, s)

	var c domain.ConversationContext
	var err error
	for i := 0; i < 30; i++ {
		c, err = m.AppendMessage(context.Background(), sender, userMsg(100))
		require.NoError(t, err)
	}
	require.Len(t, c.Messages, 30)
	require.Zero(t, s.callCount())
}

func TestAppendMessage_SummarizerFailureFallsBack(t *testing.T) {
	m := newTestManager(t, &fakeSummarizer{err: errors.New("429 too many requests")})

	var c domain.ConversationContext
	var err error
	for i := 0; i < 11; i++ {
		c, err = m.AppendMessage(context.Background(), sender, userMsg(600))
		require.NoError(t, err)
	}
	require.Len(t, c.Messages, 4)
	require.True(t, strings.HasPrefix(c.Summary, "User: xxx"))
	require.LessOrEqual(t, utf8.RuneCountInString(c.Summary), 1500)
}

func TestAppendMessage_SlowSummarizerTimesOut(t *testing.T) {
	limits := DefaultLimits()
	limits.SummarizeTimeout = 20 * time.Millisecond
	m := newTestManager(t, &fakeSummarizer{block: true}, WithLimits(limits))

	start := time.Now()
	var c domain.ConversationContext
	var err error
	for i := 0; i < 11; i++ {
		c, err = m.AppendMessage(context.Background(), sender, userMsg(600))
		require.NoError(t, err)
	}
	require.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, c.Messages, 4)
	require.NotEmpty(t, c.Summary)
}

func TestAppendMessage_RecondensesLongMergedSummary(t *testing.T) {
	s := &fakeSummarizer{out: func(text string, maxChars int) string {
		if strings.HasPrefix(text, "User: ") {
			return strings.Repeat("s", 400)
		}
		return "condensed"
	}}
	m := newTestManager(t, s)
	ctx := context.Background()

	seed := domain.ConversationContext{SenderID: sender, Summary: strings.Repeat("p", 1400)}
	raw, err := jsonString(seed)
	require.NoError(t, err)
	require.NoError(t, m.store.Set(ctx, contextKey(sender), raw, 0))

	var c domain.ConversationContext
	for i := 0; i < 11; i++ {
		c, err = m.AppendMessage(ctx, sender, userMsg(600))
		require.NoError(t, err)
	}
	require.Equal(t, 2, s.callCount())
	require.Equal(t, "condensed", c.Summary)
}

func TestAppendMessage_ConcurrentAppendsKeepEveryMessage(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.AppendMessage(ctx, sender, domain.ChatMessage{Role: domain.RoleUser, Content: fmt.Sprintf("msg-%d", i)})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	c, err := m.Load(ctx, sender)
	require.NoError(t, err)
	require.Len(t, c.Messages, n)
	require.Equal(t, int64(n), c.Version)
}

func TestBuildContextPrompt_CeilingAfterManyAppends(t *testing.T) {
	m := newTestManager(t, &fakeSummarizer{out: func(text string, maxChars int) string {
		return strings.Repeat("s", maxChars)
	}})
	ctx := context.Background()

	var c domain.ConversationContext
	var err error
	for i := 0; i < 50; i++ {
		c, err = m.AppendMessage(ctx, sender, userMsg(200))
		require.NoError(t, err)
	}
	require.LessOrEqual(t, utf8.RuneCountInString(m.BuildContextPrompt(c)), 4000)
}

func TestBuildContextPrompt_CeilingOnUncompactedContext(t *testing.T) {
	m := newTestManager(t, nil)
	c := domain.ConversationContext{Summary: strings.Repeat("ü", 5000)}
	for i := 0; i < 50; i++ {
		c.Messages = append(c.Messages, userMsg(200))
	}
	prompt := m.BuildContextPrompt(c)
	require.LessOrEqual(t, utf8.RuneCountInString(prompt), 4000)
	require.True(t, strings.HasPrefix(prompt, "Summary of earlier conversation:"))
}

func TestBuildContextPrompt_TruncatesEachMessage(t *testing.T) {
	m := newTestManager(t, nil)
	c := domain.ConversationContext{Messages: []domain.ChatMessage{userMsg(2000), {Role: domain.RoleAssistant, Content: "ok"}}}

	prompt := m.BuildContextPrompt(c)
	lines := strings.Split(prompt, "\n")
	require.Equal(t, "Recent messages:", lines[0])
	require.Equal(t, len("User: ")+500, utf8.RuneCountInString(lines[1]))
	require.Equal(t, "Assistant: ok", lines[2])
}

func TestBuildContextPrompt_Empty(t *testing.T) {
	m := newTestManager(t, nil)
	require.Empty(t, m.BuildContextPrompt(domain.ConversationContext{}))
}

func TestClear(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	_, err := m.AppendMessage(ctx, sender, userMsg(10))
	require.NoError(t, err)

	require.NoError(t, m.Clear(ctx, sender))
	c, err := m.Load(ctx, sender)
	require.NoError(t, err)
	require.Empty(t, c.Messages)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 3))
	require.Equal(t, "ab…", truncate("abcd", 3))
	require.Equal(t, "…cd", truncateHead("abcd", 3))
	require.Equal(t, 3, utf8.RuneCountInString(truncate("ééééé", 3)))
}
