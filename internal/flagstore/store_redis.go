package flagstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "calculaconfia/pkg/domain-errors"
)

const redisKeyPrefix = "funnel:flag:"

// RedisStore is the production durable flavor, shared across orchestrator
// instances the way browser localStorage is shared across tabs.
type RedisStore struct {
	notifier
	client *redis.Client
}

// NewRedisStore wraps an existing redis client. Client lifecycle is managed by
// the caller.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dErrors.Wrap(err, dErrors.CodeUnavailable, "flag read failed")
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "flag write failed")
	}
	s.notify(Change{Key: key, Value: value, Present: true})
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "flag delete failed")
	}
	s.notify(Change{Key: key, Present: false})
	return nil
}
