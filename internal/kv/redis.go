package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	compareAndSwapScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  return 1
end
return 0`)

	compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

// Redis implements Store on top of a go-redis client. Windows are sorted sets
// scored by unix milliseconds.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndSwapScript.Run(ctx, r.client, []string{key}, old, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, old string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, old).Int()
	if err != nil {
		return false, fmt.Errorf("redis cad %s: %w", key, err)
	}
	return n == 1, nil
}

func (r *Redis) WindowAdd(ctx context.Context, key, member string, at time.Time, retention time.Duration) error {
	cutoff := at.Add(-retention).UnixMilli()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		pipe.PExpire(ctx, key, retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis window add %s: %w", key, err)
	}
	return nil
}

func (r *Redis) WindowSince(ctx context.Context, key string, since time.Time) ([]Sample, error) {
	members, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis window range %s: %w", key, err)
	}
	samples := make([]Sample, 0, len(members))
	for _, z := range members {
		member, _ := z.Member.(string)
		samples = append(samples, Sample{Member: member, At: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return samples, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
