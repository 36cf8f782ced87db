// Package recordcache caches decoded definition payloads outside the content
// database so repeated lookups skip SQLite.
package recordcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to every key stored in Redis.
const DefaultKeyPrefix = "manifest-cache:"

// Cache stores raw definition payloads. Get reports a miss for any failure.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) error
}

// Key builds the cache key for a definition row. The content file name is part
// of the key, so a refreshed manifest never serves rows from the old one.
func Key(language, file, table string, hash uint32) string {
	return strings.Join([]string{language, file, table, strconv.FormatUint(uint64(hash), 10)}, "|")
}

// Redis is a Redis-backed Cache.
type Redis struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    *slog.Logger
}

// Option configures a Redis cache.
type Option func(*Redis)

// WithTTL sets the expiry of stored entries. Zero or negative means no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(r *Redis) {
		if ttl < 0 {
			ttl = 0
		}
		r.ttl = ttl
	}
}

// WithKeyPrefix sets the prefix for all keys. An empty prefix keeps the default.
func WithKeyPrefix(prefix string) Option {
	return func(r *Redis) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Redis) {
		r.logger = logger
	}
}

// NewRedis creates a Redis cache from an existing client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	r := &Redis{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, url string, opts ...Option) (*Redis, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedis(client, opts...), nil
}

// Get retrieves a payload. Errors other than a missing key are logged and
// reported as a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.Debug("record cache get failed", "key", key, "error", err)
		return nil, false
	}
	return val, true
}

// Set stores a payload with the configured TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, string(value), r.ttl).Err(); err != nil {
		return fmt.Errorf("setting record cache key: %w", err)
	}
	return nil
}

// Ping tests the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Cache = (*Redis)(nil)
