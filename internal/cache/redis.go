package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig selects the redis server backing a RedisCache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix. Default: "bioblocks:"
	Timeout  time.Duration // Per-command timeout. Default: 2s
}

// RedisCache stores gzip-compressed JSON values in redis. Expiry is enforced
// by redis; staleness travels inside the value.
//
// The Cache interface has no error returns, so redis failures are logged and
// reported as misses.
type RedisCache[V any] struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
}

type redisEnvelope[V any] struct {
	StaleAt time.Time `json:"stale_at"`
	Value   V         `json:"value"`
}

// NewRedisCache connects a cache to the configured server.
func NewRedisCache[V any](cfg RedisConfig, logger *zap.Logger) *RedisCache[V] {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisCacheFromClient[V](client, cfg, logger)
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient[V any](client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisCache[V] {
	if cfg.Prefix == "" {
		cfg.Prefix = "bioblocks:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache[V]{client: client, prefix: cfg.Prefix, timeout: cfg.Timeout, logger: logger}
}

// Ping checks the connection.
func (r *RedisCache[V]) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get retrieves a value from redis.
func (r *RedisCache[V]) Get(key string) (V, bool, bool) {
	var zero V
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, false
	}
	if err != nil {
		r.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		return zero, false, false
	}

	env, err := decodeEnvelope[V](raw)
	if err != nil {
		r.logger.Warn("redis value unreadable", zap.String("key", key), zap.Error(err))
		return zero, false, false
	}
	return env.Value, true, time.Now().After(env.StaleAt)
}

// Set stores a value with the given TTL.
func (r *RedisCache[V]) Set(key string, value V, ttl time.Duration) {
	r.SetWithStale(key, value, ttl, ttl)
}

// SetWithStale stores a value that turns stale after staleAfter and is
// dropped by redis after expireAfter.
func (r *RedisCache[V]) SetWithStale(key string, value V, staleAfter, expireAfter time.Duration) {
	raw, err := encodeEnvelope(redisEnvelope[V]{StaleAt: time.Now().Add(staleAfter), Value: value})
	if err != nil {
		r.logger.Warn("redis value not encodable", zap.String("key", key), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+key, raw, expireAfter).Err(); err != nil {
		r.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate removes an entry.
func (r *RedisCache[V]) Invalidate(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.logger.Warn("redis delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Close closes the redis client.
func (r *RedisCache[V]) Close() error {
	return r.client.Close()
}

func encodeEnvelope[V any](env redisEnvelope[V]) ([]byte, error) {
	val, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	compressed, err := compress(val)
	if err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	return compressed, nil
}

func decodeEnvelope[V any](raw []byte) (redisEnvelope[V], error) {
	var env redisEnvelope[V]
	decompressed, err := decompress(raw)
	if err != nil {
		return env, fmt.Errorf("failed to decompress: %w", err)
	}
	if decompressed == nil {
		return env, errors.New("empty value")
	}
	err = json.Unmarshal(decompressed, &env)
	return env, err
}

func compress(data []byte) ([]byte, error) {
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
