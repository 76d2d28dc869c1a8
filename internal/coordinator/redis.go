package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds the caller's value.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Redis is a coordinator backed by a single Redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client. The coordinator owns it from then on.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// NewRedisURL connects to the server described by a redis:// or rediss:// URL.
func NewRedisURL(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return NewRedis(redis.NewClient(opts)), nil
}

// SetNX stores value with SET NX and an expiry.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// Get returns the stored value, reporting a missing key as not found.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// CompareAndDelete runs the release script atomically on the server.
func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, expected).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
