package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix  = "idempotency:order:"
	idempotencyPending    = "pending"
	defaultIdempotencyTTL = 24 * time.Hour
)

// completeScript swaps the pending marker for the result. A key that expired
// or was released in between is left alone.
var completeScript = redis.NewScript(`
local key = KEYS[1]
local result = ARGV[1]
local ttl = tonumber(ARGV[2])

local current = redis.call('GET', key)
if current ~= ARGV[3] then
	return 0
end

redis.call('SET', key, result, 'PX', ttl)
return 1
`)

// RedisAdapter keeps PlaceOrder idempotency records. Stock never lives here;
// the relational store is the source of truth.
type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, idempotencyPending, r.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "claim idempotency key")
	}
	return ok, nil
}

func (r *RedisAdapter) CompleteIdempotency(ctx context.Context, key, result string) error {
	err := completeScript.Run(ctx, r.client, []string{idempotencyKeyPrefix + key},
		result, r.ttl.Milliseconds(), idempotencyPending).Err()
	if err != nil {
		return errors.Wrap(err, "complete idempotency key")
	}
	return nil
}

func (r *RedisAdapter) GetIdempotency(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "read idempotency key")
	}
	if val == idempotencyPending {
		return "", nil
	}
	return val, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, idempotencyKeyPrefix+key).Err(); err != nil {
		return errors.Wrap(err, "release idempotency key")
	}
	return nil
}
