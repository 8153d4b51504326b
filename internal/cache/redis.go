package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"vectorflow/internal/services"
)

// Redis stores entries in a shared redis instance under a key prefix.
type Redis struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedis wraps an existing client. Close does not close a borrowed client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, opts *redis.Options, prefix string) (*Redis, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, services.Wrap(services.ErrUnavailable, "cache", "dial", opts.Addr, err)
	}
	return &Redis{client: client, prefix: prefix, owned: true}, nil
}

// Get fetches a value; a missing key is not an error.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, services.Wrap(services.ErrTransient, "cache", "get", "", err)
	}
	return value, true, nil
}

// Set stores a value; a non-positive ttl never expires.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return services.Wrap(services.ErrTransient, "cache", "set", "", err)
	}
	return nil
}

// Close closes the client when this cache dialed it.
func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
