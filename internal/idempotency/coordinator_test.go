package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetafk/bankir/internal/config"
	"github.com/assetafk/bankir/internal/kv"
	"github.com/assetafk/bankir/internal/logging"
)

type result struct {
	TransactionID string `json:"transaction_id"`
}

func newRedisCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCoordinator(kv.NewRedis(client), config.DefaultIdempotency(), logging.Discard()), mr
}

func TestBeginFreshThenCached(t *testing.T) {
	c, _ := newRedisCoordinator(t)
	ctx := context.Background()
	hash := HashRequest("1", "2", "100.00", "USD")

	d, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	require.Equal(t, Fresh, d.Outcome)

	require.NoError(t, c.Complete(ctx, d.Reservation, result{TransactionID: "tx-1"}))

	again, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	assert.Equal(t, Cached, again.Outcome)
	assert.JSONEq(t, `{"transaction_id":"tx-1"}`, string(again.Response))
}

func TestBeginWhileProcessingConflicts(t *testing.T) {
	c, _ := newRedisCoordinator(t)
	ctx := context.Background()
	hash := HashRequest("payload")

	first, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	require.Equal(t, Fresh, first.Outcome)

	second, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	assert.Equal(t, Conflict, second.Outcome)
}

func TestBeginScopesKeysByOwner(t *testing.T) {
	c, _ := newRedisCoordinator(t)
	ctx := context.Background()

	a, err := c.Begin(ctx, 1, "shared", HashRequest("a"))
	require.NoError(t, err)
	b, err := c.Begin(ctx, 2, "shared", HashRequest("b"))
	require.NoError(t, err)
	assert.Equal(t, Fresh, a.Outcome)
	assert.Equal(t, Fresh, b.Outcome)
}

func TestBeginRejectsKeyReuse(t *testing.T) {
	c, _ := newRedisCoordinator(t)
	ctx := context.Background()

	d, err := c.Begin(ctx, 7, "key-1", HashRequest("100.00"))
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, d.Reservation, result{TransactionID: "tx-1"}))

	_, err = c.Begin(ctx, 7, "key-1", HashRequest("999.00"))
	assert.ErrorIs(t, err, ErrKeyReuse)
}

func TestAbortReleasesKey(t *testing.T) {
	c, _ := newRedisCoordinator(t)
	ctx := context.Background()
	hash := HashRequest("payload")

	d, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	require.NoError(t, c.Abort(ctx, d.Reservation))

	again, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	assert.Equal(t, Fresh, again.Outcome)

	// aborting a stale reservation must not remove the new holder's record
	require.NoError(t, c.Abort(ctx, d.Reservation))
	third, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	assert.Equal(t, Conflict, third.Outcome)
}

func TestCompletedRecordExpiresAfterRetention(t *testing.T) {
	c, mr := newRedisCoordinator(t)
	ctx := context.Background()
	hash := HashRequest("payload")

	d, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, d.Reservation, result{TransactionID: "tx-1"}))

	mr.FastForward(23 * time.Hour)
	cached, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	assert.Equal(t, Cached, cached.Outcome)

	mr.FastForward(2 * time.Hour)
	fresh, err := c.Begin(ctx, 7, "key-1", HashRequest("another payload"))
	require.NoError(t, err)
	assert.Equal(t, Fresh, fresh.Outcome)
}

func TestProcessingMarkerExpires(t *testing.T) {
	c, mr := newRedisCoordinator(t)
	ctx := context.Background()
	hash := HashRequest("payload")

	stale, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	mr.FastForward(6 * time.Minute)

	d, err := c.Begin(ctx, 7, "key-1", hash)
	require.NoError(t, err)
	assert.Equal(t, Fresh, d.Outcome)

	assert.ErrorIs(t, c.Complete(ctx, stale.Reservation, result{}), ErrReservationLost)
}

func TestConcurrentBeginHasSingleWinner(t *testing.T) {
	c, _ := newRedisCoordinator(t)
	ctx := context.Background()
	hash := HashRequest("payload")

	const callers = 20
	outcomes := make(chan Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Begin(ctx, 7, "key-1", hash)
			if err != nil {
				t.Errorf("begin: %v", err)
				return
			}
			outcomes <- d.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[Fresh])
	assert.Equal(t, callers-1, counts[Conflict])
}

func TestValidateKey(t *testing.T) {
	assert.ErrorIs(t, ValidateKey("  "), ErrKeyRequired)
	assert.ErrorIs(t, ValidateKey(strings.Repeat("k", 256)), ErrKeyTooLong)
	assert.NoError(t, ValidateKey(strings.Repeat("k", 255)))
}

func TestBeginSurfacesStoreFailure(t *testing.T) {
	mem := kv.NewMemory()
	c := NewCoordinator(mem, config.Idempotency{}, logging.Discard())
	boom := errors.New("connection refused")
	mem.FailWith(boom)

	_, err := c.Begin(context.Background(), 7, "key-1", HashRequest("x"))
	assert.ErrorIs(t, err, boom)
}

func TestHashRequestSeparatesFields(t *testing.T) {
	assert.NotEqual(t, HashRequest("ab", "c"), HashRequest("a", "bc"))
	assert.Equal(t, HashRequest("a", "b"), HashRequest("a", "b"))
	assert.Len(t, HashRequest("a"), 64)
}
