package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps pairs in Redis under a common key prefix
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig selects the Redis server and keyspace for a RedisStore
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}
}

func (kv *RedisStore) key(k string) string {
	if kv.prefix == "" {
		return k
	}
	return kv.prefix + ":" + k
}

func (kv *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := kv.client.Get(ctx, kv.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (kv *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	return kv.client.Set(ctx, kv.key(key), value, kv.ttl).Err()
}

func (kv *RedisStore) Delete(ctx context.Context, key string) error {
	return kv.client.Del(ctx, kv.key(key)).Err()
}

// Ping checks connectivity, used by the health endpoint
func (kv *RedisStore) Ping(ctx context.Context) error {
	return kv.client.Ping(ctx).Err()
}

func (kv *RedisStore) Close() error {
	return kv.client.Close()
}
