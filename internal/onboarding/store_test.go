package onboarding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"calendar-agent/internal/domain"
	"calendar-agent/internal/kv"
)

// lostWriteStore drops every Set, as if a concurrent writer overwrote it.
type lostWriteStore struct {
	kv.Store
}

func (lostWriteStore) Set(context.Context, string, string, time.Duration) error {
	return nil
}

func TestSessionStore_SaveAndLoad(t *testing.T) {
	s, err := NewSessionStore(kv.NewMemory())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Load(ctx, sender)
	require.ErrorIs(t, err, kv.ErrNotFound)

	sess := domain.OnboardingSession{SenderID: sender, State: domain.StateOTPVerification, PendingEmail: "a@b.co"}
	require.NoError(t, s.Save(ctx, sess))

	got, err := s.Load(ctx, sender)
	require.NoError(t, err)
	require.Equal(t, domain.StateOTPVerification, got.State)
	require.Equal(t, "a@b.co", got.PendingEmail)
}

func TestSessionStore_CreateOnlyOnce(t *testing.T) {
	s, err := NewSessionStore(kv.NewMemory())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.Create(ctx, domain.OnboardingSession{SenderID: sender, State: domain.StateComplete})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Create(ctx, domain.OnboardingSession{SenderID: sender, State: domain.StateWelcome})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.Load(ctx, sender)
	require.NoError(t, err)
	require.Equal(t, domain.StateComplete, got.State)
}

func TestSessionStore_LostWriteIsInconsistent(t *testing.T) {
	mem := kv.NewMemory()
	s, err := NewSessionStore(mem)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, domain.OnboardingSession{SenderID: sender, State: domain.StateAwaitingChoice}))

	lossy, err := NewSessionStore(lostWriteStore{Store: mem})
	require.NoError(t, err)
	err = lossy.Save(ctx, domain.OnboardingSession{SenderID: sender, State: domain.StateEmailInput})
	require.ErrorIs(t, err, ErrInconsistentState)
}

func TestSessionStore_CorruptRecord(t *testing.T) {
	mem := kv.NewMemory()
	require.NoError(t, mem.Set(context.Background(), sessionKey(sender), "{not json", 0))
	s, err := NewSessionStore(mem)
	require.NoError(t, err)

	_, err = s.Load(context.Background(), sender)
	require.Error(t, err)
	require.NotErrorIs(t, err, kv.ErrNotFound)
}

func TestNormalizeCode(t *testing.T) {
	tests := map[string]string{
		"123 456":     "123456",
		" 123-456 ":   "123456",
		"123.456":     "123456",
		"1_2_3_4_5_6": "123456",
		"12\t34\n56":  "123456",
	}
	for in, want := range tests {
		require.Equal(t, want, NormalizeCode(in), in)
		require.True(t, ValidCode(NormalizeCode(in)), in)
	}
	require.False(t, ValidCode("12345a"))
}

func TestValidEmail(t *testing.T) {
	require.True(t, ValidEmail("ana@example.com"))
	require.True(t, ValidEmail("ana.b+cal@mail.example.co"))
	require.False(t, ValidEmail("ana@example"))
	require.False(t, ValidEmail("ana example.com"))
	require.False(t, ValidEmail("@example.com"))
}
