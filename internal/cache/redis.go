package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis the mirror relies on.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisOptions configure the Redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

var (
	newRedisClient = func(opts *redis.Options) *redis.Client {
		return redis.NewClient(opts)
	}
	pingRedis = func(ctx context.Context, client *redis.Client) error {
		return client.Ping(ctx).Err()
	}
)

// RedisMirror stores cache entries in Redis without expiry so stale values
// survive restarts.
type RedisMirror struct {
	client RedisClient
	prefix string
}

// NewRedisMirror wraps an existing client.
func NewRedisMirror(client RedisClient, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "marketdigest:cache:"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis.addr is required")
	}

	redisOpts := &redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	if strings.HasPrefix(opts.Addr, "redis://") || strings.HasPrefix(opts.Addr, "rediss://") {
		parsed, err := redis.ParseURL(opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisOpts = parsed
	}

	client := newRedisClient(redisOpts)
	if err := pingRedis(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Save implements Mirror.
func (m *RedisMirror) Save(ctx context.Context, key string, data []byte) error {
	return m.client.Set(ctx, m.prefix+key, data, 0).Err()
}

// Load implements Mirror. A missing key yields nil data and no error.
func (m *RedisMirror) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

var _ Mirror = (*RedisMirror)(nil)
