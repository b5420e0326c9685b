package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rankpulse/rankpulse/internal/pkg/env"
	"github.com/redis/go-redis/v9"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// SetupCache initializes the connection to the shared TTL key-value store.
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Printf("Warning: Could not connect to cache: %v", err)
	} else {
		log.Printf("Successfully connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Set stores a value in the cache with the given key and expiration time
func Set(key string, value interface{}, expiration time.Duration) error {
	return GetClient().Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from the cache by key
func Get(key string) (string, error) {
	return GetClient().Get(ctx, key).Result()
}

// GetInt retrieves an integer value from the cache by key
func GetInt(key string) (int, error) {
	val, err := GetClient().Get(ctx, key).Int()
	if err != nil {
		return 0, err
	}
	return val, nil
}

// Delete removes a value from the cache by key
func Delete(key string) error {
	return GetClient().Del(ctx, key).Err()
}

// GetIntCtx retrieves an integer value under the caller's context.
func GetIntCtx(ctx context.Context, key string) (int, error) {
	return GetClient().Get(ctx, key).Int()
}

// Exists reports whether a key is present.
func Exists(ctx context.Context, key string) (bool, error) {
	n, err := GetClient().Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetNX stores a value only when the key is absent. The guards use it as a
// set-if-not-exists mutex with expiry.
func SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return GetClient().SetNX(ctx, key, value, expiration).Result()
}

// IncrBy atomically increments a counter key.
func IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return GetClient().IncrBy(ctx, key, n).Result()
}

// DecrBy atomically decrements a counter key.
func DecrBy(ctx context.Context, key string, n int64) (int64, error) {
	return GetClient().DecrBy(ctx, key, n).Result()
}

// Expire sets a TTL on an existing key.
func Expire(ctx context.Context, key string, expiration time.Duration) error {
	return GetClient().Expire(ctx, key, expiration).Err()
}

// TTL returns the remaining lifetime of a key.
func TTL(ctx context.Context, key string) (time.Duration, error) {
	return GetClient().TTL(ctx, key).Result()
}
