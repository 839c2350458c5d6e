package cache

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Client is the subset of the go-redis API the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Redis caches answers in Redis. Entry keys embed a generation counter
// shared by every process; Invalidate bumps it, orphaning old entries
// until their TTL expires.
type Redis struct {
	client Client
	prefix string
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// DefaultTTL applies when RedisConfig.TTL is zero.
const DefaultTTL = time.Hour

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "cache: ping redis %s", cfg.Addr)
	}
	return NewRedis(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedis wraps an existing client. An empty prefix defaults to
// "spacerat:".
func NewRedis(client Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "spacerat:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (c *Redis) genKey() string { return c.prefix + "answer:gen" }

func (c *Redis) generation(ctx context.Context) (int64, error) {
	s, err := c.client.Get(ctx, c.genKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "cache: read generation")
	}
	gen, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "cache: bad generation %q", s)
	}
	return gen, nil
}

// Get decodes the entry for key into dst.
func (c *Redis) Get(ctx context.Context, key string, dst any) (bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return false, err
	}
	data, err := c.client.Get(ctx, entryKey(c.prefix+"answer:", gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "cache: get")
	}
	if err := decode(data, dst); err != nil {
		return false, err
	}
	c.hits.Add(1)
	return true, nil
}

// Set stores v under key for the configured TTL.
func (c *Redis) Set(ctx context.Context, key string, v any) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, entryKey(c.prefix+"answer:", gen, key), data, c.ttl).Err(); err != nil {
		return eris.Wrap(err, "cache: set")
	}
	return nil
}

// Invalidate starts a new generation.
func (c *Redis) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.genKey()).Err(); err != nil {
		return eris.Wrap(err, "cache: bump generation")
	}
	return nil
}

// Stats returns this process's hit counts and the shared generation.
func (c *Redis) Stats(ctx context.Context) (Stats, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return Stats{}, err
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{Generation: gen, Hits: hits, Misses: misses, HitRate: hitRate(hits, misses)}, nil
}

// Close closes the client.
func (c *Redis) Close() error {
	return c.client.Close()
}
