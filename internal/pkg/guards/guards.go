package guards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rankpulse/rankpulse/internal/pkg/cache"
)

// Guard key prefixes on the shared TTL store.
const (
	CooldownKeyPrefix       = "cooldown:"
	DailyCapKeyPrefix       = "dailycap:"
	ProviderBudgetKeyPrefix = "providerbudget:"
	InflightKeyPrefix       = "inflight:"
)

// Rejection kinds. Guards reject before any credit is touched, so every
// rejection is side-effect free and retryable later.
const (
	KindCooldown       = "COOLDOWN_ACTIVE"
	KindDailyCap       = "DAILY_CAP_REACHED"
	KindProviderBudget = "PROVIDER_BUDGET_EXCEEDED"
)

// GuardError is a typed rejection. Callers branch on Kind, never on the
// message text.
type GuardError struct {
	Kind       string
	RetryAfter time.Duration
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard rejection: %s", e.Kind)
}

// AsGuardError unwraps a guard rejection, if any.
func AsGuardError(err error) (*GuardError, bool) {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// CheckCooldown rejects when a cooldown window is still open for the
// user/resource pair.
func CheckCooldown(ctx context.Context, userID uint, resource string) error {
	key := cooldownKey(userID, resource)
	exists, err := cache.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("cooldown check: %w", err)
	}
	if !exists {
		return nil
	}
	ttl, err := cache.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = 0
	}
	return &GuardError{Kind: KindCooldown, RetryAfter: ttl}
}

// SetCooldown opens a cooldown window. Called only after a fully successful
// request, so failed attempts are never penalized.
func SetCooldown(ctx context.Context, userID uint, resource string, window time.Duration) error {
	return cache.GetClient().Set(ctx, cooldownKey(userID, resource), "1", window).Err()
}

// CheckDailyCap rejects when the user already reached the per-day limit.
func CheckDailyCap(ctx context.Context, userID uint, limit int64) error {
	if limit <= 0 {
		return nil
	}
	count, err := cache.GetIntCtx(ctx, dailyCapKey(userID, time.Now().UTC()))
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("daily cap check: %w", err)
	}
	if int64(count) >= limit {
		return &GuardError{Kind: KindDailyCap, RetryAfter: untilNextUTCMidnight(time.Now().UTC())}
	}
	return nil
}

// IncrementDailyCap counts one successful request against today's cap. The
// key expires at the UTC day boundary.
func IncrementDailyCap(ctx context.Context, userID uint) error {
	now := time.Now().UTC()
	key := dailyCapKey(userID, now)
	count, err := cache.IncrBy(ctx, key, 1)
	if err != nil {
		return fmt.Errorf("daily cap increment: %w", err)
	}
	if count == 1 {
		if err := cache.Expire(ctx, key, untilNextUTCMidnight(now)); err != nil {
			return fmt.Errorf("daily cap expire: %w", err)
		}
	}
	return nil
}

// ReserveProviderBudget takes one slot of the shared per-minute budget for
// the rate-limited upstream. It increments first and checks after, rolling
// back on overflow, so concurrent callers cannot all pass a stale pre-check.
// The returned reservation names the bucket that was incremented; a later
// release must target that bucket, which may no longer be the current one.
func ReserveProviderBudget(ctx context.Context, limit int64) (string, error) {
	if limit <= 0 {
		return "", nil
	}
	key := providerBudgetKey(time.Now().UTC())
	count, err := cache.IncrBy(ctx, key, 1)
	if err != nil {
		return "", fmt.Errorf("provider budget reserve: %w", err)
	}
	if count == 1 {
		if err := cache.Expire(ctx, key, 2*time.Minute); err != nil {
			return "", fmt.Errorf("provider budget expire: %w", err)
		}
	}
	if count > limit {
		if _, derr := cache.DecrBy(ctx, key, 1); derr != nil {
			return "", fmt.Errorf("provider budget rollback: %w", derr)
		}
		return "", &GuardError{Kind: KindProviderBudget, RetryAfter: time.Minute}
	}
	return key, nil
}

// ReleaseProviderBudget gives a reserved slot back, used when a request fails
// after reservation without ever reaching the provider. The reservation is the
// bucket returned by ReserveProviderBudget; releasing into the current minute
// instead would undercount a fresh bucket when the failure straddles a minute
// boundary.
func ReleaseProviderBudget(ctx context.Context, reservation string) error {
	if reservation == "" {
		return nil
	}
	_, err := cache.DecrBy(ctx, reservation, 1)
	return err
}

// AcquireInflight takes the in-flight mutex for a resource key. A false
// return means the computation is already running elsewhere; that is not an
// error and losers must return immediately instead of waiting.
func AcquireInflight(ctx context.Context, resourceKey string, ttl time.Duration) (bool, error) {
	return cache.SetNX(ctx, InflightKeyPrefix+resourceKey, "1", ttl)
}

// ReleaseInflight frees the in-flight mutex.
func ReleaseInflight(ctx context.Context, resourceKey string) error {
	return cache.GetClient().Del(ctx, InflightKeyPrefix+resourceKey).Err()
}

func cooldownKey(userID uint, resource string) string {
	return fmt.Sprintf("%s%d:%s", CooldownKeyPrefix, userID, resource)
}

func dailyCapKey(userID uint, now time.Time) string {
	return fmt.Sprintf("%s%d:%s", DailyCapKeyPrefix, userID, now.Format("2006-01-02"))
}

func providerBudgetKey(now time.Time) string {
	return fmt.Sprintf("%s%d", ProviderBudgetKeyPrefix, now.Unix()/60)
}

func untilNextUTCMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
