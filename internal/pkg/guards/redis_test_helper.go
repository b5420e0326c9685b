package guards

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rankpulse/rankpulse/internal/pkg/cache"
	"github.com/rankpulse/rankpulse/internal/pkg/env"
)

func setupTestRedis(t *testing.T) {
	t.Helper()

	hosts := []string{
		env.GetEnv("CACHE_HOST", ""),
		"cache",
		"localhost",
		"127.0.0.1",
	}
	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}
		client := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", host, port),
			Password: password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		_, err := client.Ping(ctx).Result()
		cancel()
		_ = client.Close()
		if err == nil {
			configureTestCache(host, port, password)
			cleanupGuardKeys(t)
			return
		}
		lastErr = err
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
}

func configureTestCache(host, port, password string) {
	if env.Env == nil {
		env.Env = map[string]string{}
	}

	env.Env["CACHE_HOST"] = host
	env.Env["CACHE_PORT"] = port
	env.Env["CACHE_PASSWORD"] = password

	_ = os.Setenv("CACHE_HOST", host)
	_ = os.Setenv("CACHE_PORT", port)
	_ = os.Setenv("CACHE_PASSWORD", password)

	cache.SetupCache()
}

func cleanupGuardKeys(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	client := cache.GetClient()

	prefixes := []string{
		CooldownKeyPrefix,
		DailyCapKeyPrefix,
		ProviderBudgetKeyPrefix,
		InflightKeyPrefix,
	}

	var keys []string
	for _, prefix := range prefixes {
		iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			t.Fatalf("failed to scan redis keys: %v", err)
		}
	}
	if len(keys) > 0 {
		if err := client.Del(ctx, keys...).Err(); err != nil {
			t.Fatalf("failed to cleanup redis keys: %v", err)
		}
	}

	t.Cleanup(func() { cleanupGuardKeysSilently() })
}

func cleanupGuardKeysSilently() {
	ctx := context.Background()
	client := cache.GetClient()
	for _, prefix := range []string{CooldownKeyPrefix, DailyCapKeyPrefix, ProviderBudgetKeyPrefix, InflightKeyPrefix} {
		iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			_ = client.Del(ctx, iter.Val()).Err()
		}
	}
}
