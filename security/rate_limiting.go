package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// PurchaseRateLimit allows limit purchase attempts per caller in each window.
// Anonymous requests are counted by client IP.
func (r *RateLimiter) PurchaseRateLimit(limit int, window time.Duration) func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		identity := "ip:" + clientIP(e)
		if e.Auth != nil {
			identity = "user:" + e.Auth.Id
		}

		allowed, err := r.allow(e.Request.Context(), "ratelimit:purchase:"+identity, limit, window)
		if err != nil {
			// fail open, the purchase guard still rejects duplicates
			slog.Warn("Rate limiter unavailable", "identity", identity, "error", err)
			return e.Next()
		}
		if !allowed {
			return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}

// AntiBot rejects crawler user agents and IPs above 30 requests per minute.
func (r *RateLimiter) AntiBot() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return apis.NewForbiddenError("Access denied", nil)
		}

		allowed, err := r.allow(e.Request.Context(), fmt.Sprintf("antibot:%s", clientIP(e)), 30, time.Minute)
		if err == nil && !allowed {
			return apis.NewTooManyRequestsError("Too many requests", nil)
		}
		return e.Next()
	}
}

// allow counts one request against key in a fixed window.
func (r *RateLimiter) allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, window).Err(); err != nil {
			return false, err
		}
	}
	return count <= int64(limit), nil
}

// clientIP honours the app's trusted proxy settings when the event came
// through the app router.
func clientIP(e *core.RequestEvent) string {
	if e.App != nil {
		return e.RealIP()
	}
	return e.RemoteIP()
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
