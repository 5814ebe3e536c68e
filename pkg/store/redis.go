package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// DefaultRedisPrefix namespaces all keys written by RedisStore.
const DefaultRedisPrefix = "harvester"

// RedisStore keeps state in Redis. Durability follows the server's
// persistence settings (AOF with appendfsync always for crash safety).
//
// Keys per category:
//
//	<prefix>:<category>:pages          hash  page index -> raw page
//	<prefix>:<category>:num_processed  string
//	<prefix>:<category>:artifacts      hash  counter -> payload
//	<prefix>:categories                set of bootstrapped categories
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a store on top of an existing client.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{redis: redisClient, prefix: prefix}
}

func (s *RedisStore) Initialized(ctx context.Context) (bool, error) {
	n, err := s.redis.Exists(ctx, s.categoriesKey()).Result()
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "initialized").Inc()
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) HasCategory(ctx context.Context, category string) (bool, error) {
	if err := ValidateCategory(category); err != nil {
		return false, err
	}
	n, err := s.redis.Exists(ctx, s.key(category, "num_processed")).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) CreateCategory(ctx context.Context, category string, firstPage []byte) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(category, "pages"), "0", firstPage)
		pipe.Set(ctx, s.key(category, "num_processed"), "0", 0)
		pipe.SAdd(ctx, s.categoriesKey(), category)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "create").Inc()
		return fmt.Errorf("redis create category %s: %w", category, err)
	}
	StoreBytesWritten.WithLabelValues(backendRedis, "page").Add(float64(len(firstPage)))
	return nil
}

func (s *RedisStore) LoadPage(ctx context.Context, category string, index int) ([]byte, error) {
	if err := ValidateCategory(category); err != nil {
		return nil, err
	}
	data, err := s.redis.HGet(ctx, s.key(category, "pages"), strconv.Itoa(index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("page %s/%d: %w", category, index, ErrNotFound)
	}
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "load_page").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return data, nil
}

func (s *RedisStore) SavePage(ctx context.Context, category string, index int, data []byte) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	key := s.key(category, "pages")
	field := strconv.Itoa(index)

	created, err := s.redis.HSetNX(ctx, key, field, data).Result()
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "save_page").Inc()
		return fmt.Errorf("redis hsetnx: %w", err)
	}
	if created {
		StoreBytesWritten.WithLabelValues(backendRedis, "page").Add(float64(len(data)))
		return nil
	}

	existing, err := s.redis.HGet(ctx, key, field).Bytes()
	if err != nil {
		return fmt.Errorf("redis hget: %w", err)
	}
	if !bytes.Equal(existing, data) {
		return fmt.Errorf("page %s/%d: %w", category, index, ErrPageConflict)
	}
	return nil
}

func (s *RedisStore) LoadCounter(ctx context.Context, category string) (int, error) {
	if err := ValidateCategory(category); err != nil {
		return 0, err
	}
	raw, err := s.redis.Get(ctx, s.key(category, "num_processed")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("counter %s: %w", category, ErrNotFound)
	}
	if err != nil {
		StoreErrors.WithLabelValues(backendRedis, "load_counter").Inc()
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return parseCounter(category, raw)
}

func (s *RedisStore) SaveCounter(ctx context.Context, category string, value int) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	if value < 0 {
		return fmt.Errorf("counter %s: negative value %d", category, value)
	}
	if err := s.redis.Set(ctx, s.key(category, "num_processed"), strconv.Itoa(value), 0).Err(); err != nil {
		StoreErrors.WithLabelValues(backendRedis, "save_counter").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveArtifact(ctx context.Context, category string, counter int, payload []byte) error {
	if err := ValidateCategory(category); err != nil {
		return err
	}
	if err := s.redis.HSet(ctx, s.key(category, "artifacts"), strconv.Itoa(counter), payload).Err(); err != nil {
		StoreErrors.WithLabelValues(backendRedis, "save_artifact").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}
	StoreBytesWritten.WithLabelValues(backendRedis, "artifact").Add(float64(len(payload)))
	return nil
}

func (s *RedisStore) LoadArtifact(ctx context.Context, category string, counter int) ([]byte, error) {
	if err := ValidateCategory(category); err != nil {
		return nil, err
	}
	data, err := s.redis.HGet(ctx, s.key(category, "artifacts"), strconv.Itoa(counter)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("artifact %s/%d: %w", category, counter, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return data, nil
}

func (s *RedisStore) CountArtifacts(ctx context.Context, category string) (int, error) {
	if err := ValidateCategory(category); err != nil {
		return 0, err
	}
	n, err := s.redis.HLen(ctx, s.key(category, "artifacts")).Result()
	if err != nil {
		return 0, fmt.Errorf("redis hlen: %w", err)
	}
	return int(n), nil
}

// Close does not close the shared client; its owner does.
func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) key(category, suffix string) string {
	return s.prefix + ":" + category + ":" + suffix
}

func (s *RedisStore) categoriesKey() string {
	return s.prefix + ":categories"
}
