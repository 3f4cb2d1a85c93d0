package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/developingchet/immune-gate/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// incrScript increments a counter and arms its expiry only on creation, so a
// window is never extended by later hits.
var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisConfig holds connection parameters for the Redis backend.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	TLS         bool
	TLSInsecure bool
	// OpTimeout bounds every single store call.
	OpTimeout time.Duration
}

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecure, //nolint:gosec // user-opted-in
		}
	}
	if cfg.OpTimeout > 0 {
		opts.ReadTimeout = cfg.OpTimeout
		opts.WriteTimeout = cfg.OpTimeout
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreFromClient(client, cfg.OpTimeout), nil
}

// NewRedisStoreFromClient wraps an existing client. timeout <= 0 disables the
// per-operation deadline.
func NewRedisStoreFromClient(client *redis.Client, timeout time.Duration) *RedisStore {
	return &RedisStore{client: client, timeout: timeout}
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func observe(backend, op string, start time.Time, err error) {
	status := "ok"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	metrics.StoreOps.WithLabelValues(backend, op, status).Inc()
	metrics.StoreDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

func (s *RedisStore) Get(ctx context.Context, key string) (val string, err error) {
	defer func(start time.Time) { observe(backendRedis, "get", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	val, err = s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) (out []string, err error) {
	if len(keys) == 0 {
		return nil, nil
	}
	defer func(start time.Time) { observe(backendRedis, "mget", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out = make([]string, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = str
		}
	}
	return out, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) (err error) {
	defer func(start time.Time) { observe(backendRedis, "set", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func(start time.Time) { observe(backendRedis, "exists", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (n int64, err error) {
	if len(keys) == 0 {
		return 0, nil
	}
	defer func(start time.Time) { observe(backendRedis, "del", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.client.Del(ctx, keys...).Result()
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (count int64, remaining time.Duration, err error) {
	defer func(start time.Time) { observe(backendRedis, "incr", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if ttl <= 0 {
		count, err = s.client.Incr(ctx, key).Result()
		return count, 0, err
	}

	res, err := incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, fmt.Errorf("unexpected incr script result %T", res)
	}
	count, _ = vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = ttl.Milliseconds()
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

func (s *RedisStore) LPushTrim(ctx context.Context, key, value string, maxLen int64) (err error) {
	defer func(start time.Time) { observe(backendRedis, "lpush", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, 0, maxLen-1)
		}
		return nil
	})
	return err
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) (out []string, err error) {
	defer func(begin time.Time) { observe(backendRedis, "lrange", begin, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (n int64, err error) {
	defer func(start time.Time) { observe(backendRedis, "llen", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) (err error) {
	defer func(start time.Time) { observe(backendRedis, "zadd", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (err error) {
	if len(members) == 0 {
		return nil
	}
	defer func(start time.Time) { observe(backendRedis, "zrem", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, key, args...).Err()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min float64, limit int64) (out []string, err error) {
	defer func(start time.Time) { observe(backendRedis, "zrange", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	by := &redis.ZRangeBy{Min: formatScore(min), Max: "+inf"}
	if limit > 0 {
		by.Count = limit
	}
	return s.client.ZRangeByScore(ctx, key, by).Result()
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min float64) (n int64, err error) {
	defer func(start time.Time) { observe(backendRedis, "zcount", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.client.ZCount(ctx, key, formatScore(min), "+inf").Result()
}

func (s *RedisStore) ZRemBelow(ctx context.Context, key string, max float64) (n int64, err error) {
	defer func(start time.Time) { observe(backendRedis, "zremrange", start, err) }(time.Now())
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	return s.client.ZRemRangeByScore(ctx, key, "-inf", "("+formatScore(max)).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
