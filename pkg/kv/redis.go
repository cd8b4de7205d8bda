package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

// RedisStore implements Store on a Redis server
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, errs.New(errs.KindInvalidInput, "redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Wrap(errs.KindKVUnavailable, err, "redis ping failed")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errs.Wrap(errs.KindKVUnavailable, err, "redis get %s", key)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errs.Wrap(errs.KindKVUnavailable, err, "redis set %s", key)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindKVUnavailable, err, "redis setnx %s", key)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errs.Wrap(errs.KindKVUnavailable, err, "redis del")
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindKVUnavailable, err, "redis exists %s", key)
	}
	return n > 0, nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	val, err := s.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, errs.Wrap(errs.KindKVUnavailable, err, "redis incrby %s", key)
	}
	return val, nil
}

func (s *RedisStore) LPush(ctx context.Context, key, value string) error {
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		return errs.Wrap(errs.KindKVUnavailable, err, "redis lpush %s", key)
	}
	return nil
}

func (s *RedisStore) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := s.client.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errs.Wrap(errs.KindKVUnavailable, err, "redis brpop %s", key)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", errs.New(errs.KindKVUnavailable, "unexpected brpop reply length %d", len(res))
	}
	return res[1], nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, errs.Wrap(errs.KindKVUnavailable, err, "redis llen %s", key)
	}
	return n, nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Wrap(errs.KindKVUnavailable, err, "redis scan %s", pattern)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
