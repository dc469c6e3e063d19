package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryIncr_TTLSetOnceAtCreation(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	n, exp1, err := m.Incr(ctx, "rate#x", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	clock.Advance(30 * time.Second)
	n, exp2, err := m.Incr(ctx, "rate#x", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, exp1, exp2, "later increments must not extend the window")

	clock.Advance(31 * time.Second)
	n, exp3, err := m.Incr(ctx, "rate#x", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.True(t, exp3.After(exp1))
}

func TestMemorySetIfAbsent(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	ok, err := m.SetIfAbsent(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.SetIfAbsent(ctx, "k", "b", time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(time.Second)
	ok, err = m.SetIfAbsent(ctx, "k", "c", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "c", v)
}

func TestMemorySetIfAbsent_ConcurrentSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := m.SetIfAbsent(ctx, "lock", "t", time.Minute)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestMemoryGet_MissingAndExpired(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	_, err := m.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", time.Second))
	clock.Advance(2 * time.Second)
	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySet_ZeroTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	clock.Advance(365 * 24 * time.Hour)
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func TestMemoryCompareAndSwap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.CompareAndSwap(ctx, "k", "", "v1", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.CompareAndSwap(ctx, "k", "", "v2", 0)
	require.NoError(t, err)
	require.False(t, ok, "absent-only swap must fail when the key exists")

	ok, err = m.CompareAndSwap(ctx, "k", "stale", "v2", 0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.CompareAndSwap(ctx, "k", "v1", "v2", 0)
	require.NoError(t, err)
	require.True(t, ok)

	v, _ := m.Get(ctx, "k")
	require.Equal(t, "v2", v)
}

func TestMemoryDeleteIfValue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "lock", "token-a", time.Minute))

	ok, err := m.DeleteIfValue(ctx, "lock", "token-b")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.DeleteIfValue(ctx, "lock", "token-a")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = m.Get(ctx, "lock")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySweep(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "1", time.Second))
	require.NoError(t, m.Set(ctx, "b", "1", time.Hour))
	require.NoError(t, m.Set(ctx, "c", "1", 0))
	clock.Advance(time.Minute)

	require.Equal(t, 1, m.Sweep())
	require.Equal(t, 2, m.Len())
}

func TestKey(t *testing.T) {
	require.Equal(t, "rate#auth#+15550001", Key("rate", "auth", "+15550001"))
}
