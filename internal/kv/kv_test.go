package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   Store
	advance func(time.Duration)
}

func newRedisFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return fixture{store: NewRedis(client), advance: mr.FastForward}
}

func newMemoryFixture(t *testing.T) fixture {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mem := NewMemory()
	mem.SetClock(func() time.Time { return now })
	return fixture{store: mem, advance: func(d time.Duration) { now = now.Add(d) }}
}

func forEachStore(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("redis", func(t *testing.T) { fn(t, newRedisFixture(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryFixture(t)) })
}

func TestSetNXOnlyFirstWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()

		ok, err := f.store.SetNX(ctx, "k", "first", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = f.store.SetNX(ctx, "k", "second", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		value, err := f.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "first", value)
	})
}

func TestTTLExpiry(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()

		_, err := f.store.SetNX(ctx, "k", "v", time.Second)
		require.NoError(t, err)
		f.advance(2 * time.Second)

		_, err = f.store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)

		ok, err := f.store.SetNX(ctx, "k", "again", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		_, err := f.store.SetNX(ctx, "k", "a", time.Minute)
		require.NoError(t, err)

		ok, err := f.store.CompareAndSwap(ctx, "k", "wrong", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = f.store.CompareAndSwap(ctx, "k", "a", "b", time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		value, err := f.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "b", value)

		ok, err = f.store.CompareAndSwap(ctx, "missing", "a", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCompareAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		_, err := f.store.SetNX(ctx, "k", "a", time.Minute)
		require.NoError(t, err)

		ok, err := f.store.CompareAndDelete(ctx, "k", "b")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = f.store.CompareAndDelete(ctx, "k", "a")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = f.store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestWindowSlides(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

		for i, offset := range []time.Duration{0, 20 * time.Second, 50 * time.Second, 90 * time.Second} {
			member := string(rune('a' + i))
			require.NoError(t, f.store.WindowAdd(ctx, "w", member, base.Add(offset), time.Minute))
		}

		samples, err := f.store.WindowSince(ctx, "w", base.Add(90*time.Second).Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, samples, 2)
		assert.Equal(t, "c", samples[0].Member)
		assert.Equal(t, "d", samples[1].Member)
		assert.True(t, samples[1].At.Equal(base.Add(90*time.Second)))
	})
}

func TestMemoryFailWith(t *testing.T) {
	mem := NewMemory()
	boom := errors.New("connection refused")
	mem.FailWith(boom)

	_, err := mem.Get(context.Background(), "k")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, mem.Ping(context.Background()), boom)

	mem.FailWith(nil)
	assert.NoError(t, mem.Ping(context.Background()))
}
