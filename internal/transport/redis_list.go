package transport

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"vectorflow/internal/services"
)

// RedisList parks envelopes on a redis list (RPUSH) and drains them in
// arrival order (LPOP).
type RedisList struct {
	client redis.UniversalClient
}

// NewRedisList wraps an existing client, which stays owned by the caller.
func NewRedisList(client redis.UniversalClient) *RedisList {
	return &RedisList{client: client}
}

// Append pushes message onto the tail of listKey.
func (r *RedisList) Append(ctx context.Context, listKey string, message []byte) error {
	if err := r.client.RPush(ctx, listKey, message).Err(); err != nil {
		return services.Wrap(services.ErrUnavailable, "fallback", "append", listKey, err)
	}
	return nil
}

// Len reports how many messages are parked on listKey.
func (r *RedisList) Len(ctx context.Context, listKey string) (int64, error) {
	n, err := r.client.LLen(ctx, listKey).Result()
	if err != nil {
		return 0, services.Wrap(services.ErrUnavailable, "fallback", "len", listKey, err)
	}
	return n, nil
}

// Drain pops up to max messages and hands each to fn. A rejected message is
// pushed back to the head of the list and draining stops.
func (r *RedisList) Drain(ctx context.Context, listKey string, max int, fn func(context.Context, []byte) error) (int, error) {
	forwarded := 0
	for max <= 0 || forwarded < max {
		message, err := r.client.LPop(ctx, listKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return forwarded, nil
		}
		if err != nil {
			return forwarded, services.Wrap(services.ErrUnavailable, "fallback", "drain", listKey, err)
		}
		if err := fn(ctx, message); err != nil {
			if pushErr := r.client.LPush(context.WithoutCancel(ctx), listKey, message).Err(); pushErr != nil {
				return forwarded, errors.Join(err, services.Wrap(services.ErrUnavailable, "fallback", "requeue", listKey, pushErr))
			}
			return forwarded, err
		}
		forwarded++
	}
	return forwarded, nil
}

// Ping checks the redis connection.
func (r *RedisList) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the caller closes the shared client.
func (r *RedisList) Close() error { return nil }
