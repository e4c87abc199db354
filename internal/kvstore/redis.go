package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis stores keys in a Redis database without expiry.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client after checking it is reachable.
// prefix is prepended to every key.
func NewRedis(client *redis.Client, prefix string) (*Redis, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

// DialRedis connects to addr and selects db.
func DialRedis(addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	r, err := NewRedis(client, prefix)
	if err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

// Get returns the value stored under key
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q from redis: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %q in redis: %w", key, err)
	}
	return nil
}

// Remove deletes key
func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("del %q from redis: %w", key, err)
	}
	return nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}
