package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is returned once failed attempts exceed the configured
// threshold within the window. Distinct from an authentication failure so
// callers can surface a different response.
var ErrRateLimited = errors.New("session: too many failed attempts")

// FailureLimiter throttles repeated failed logins per (tenant, email) key
// using a counter with a sliding expiry.
type FailureLimiter struct {
	client      *redis.Client
	maxAttempts int
	window      time.Duration
}

// NewFailureLimiter constructs a limiter; maxAttempts failed logins within
// window trigger ErrRateLimited on the next check.
func NewFailureLimiter(client *redis.Client, maxAttempts int, window time.Duration) *FailureLimiter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &FailureLimiter{client: client, maxAttempts: maxAttempts, window: window}
}

func failureKey(tenant, email string) string {
	return "authfail:" + tenant + ":" + strings.ToLower(strings.TrimSpace(email))
}

// Check fails with ErrRateLimited when the key already reached the limit.
// Redis unavailability fails open for the check itself; the failure is the
// caller's to log. Login auditing still records every attempt.
func (l *FailureLimiter) Check(ctx context.Context, tenant, email string) error {
	count, err := l.client.Get(ctx, failureKey(tenant, email)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	if count >= int64(l.maxAttempts) {
		return ErrRateLimited
	}
	return nil
}

// RecordFailure increments the counter, starting the window on the first
// failure.
func (l *FailureLimiter) RecordFailure(ctx context.Context, tenant, email string) error {
	key := failureKey(tenant, email)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("limiter: %w", err)
		}
	}
	return nil
}

// Reset clears the counter after a successful login.
func (l *FailureLimiter) Reset(ctx context.Context, tenant, email string) error {
	if err := l.client.Del(ctx, failureKey(tenant, email)).Err(); err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	return nil
}
