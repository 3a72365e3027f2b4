package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"parley/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// FailPolicy decides what a limiter does when its Redis counter cannot be reached.
type FailPolicy int

const (
	FailOpen FailPolicy = iota
	// FailClosed answers 503 UNAVAILABLE instead of letting the request through.
	FailClosed
)

const rateLimitPrefix = "parley:rl:"

var errNoLimiterStore = errors.New("rate limit store not configured")

// limitsEnforced reports whether counters apply in the current APP_ENV.
// Local and test environments skip them so fixtures are not throttled.
func limitsEnforced() bool {
	switch os.Getenv("APP_ENV") {
	case "", "test", "development", "stress":
		return false
	}
	return true
}

// CheckRateLimit counts one hit for id against resource in a fixed window and reports whether
// the hit is within limit. Sockets and HTTP routes share it so one user has one budget per resource.
func CheckRateLimit(ctx context.Context, rdb *redis.Client, resource, id string, limit int, window time.Duration) (bool, error) {
	allowed, _, err := hit(ctx, rdb, resource, id, limit, window)
	return allowed, err
}

// hit increments the window counter and also returns how long until it resets.
func hit(ctx context.Context, rdb *redis.Client, resource, id string, limit int, window time.Duration) (bool, time.Duration, error) {
	if !limitsEnforced() {
		return true, 0, nil
	}
	if rdb == nil {
		return false, 0, errNoLimiterStore
	}

	key := rateLimitPrefix + resource + ":" + id
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, window)
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return incr.Val() <= int64(limit), ttl.Val(), nil
}

// RateLimit limits a route to limit hits per window, failing open when Redis is down.
// Authenticated callers are keyed by user, anonymous ones by remote IP.
func RateLimit(rdb *redis.Client, limit int, window time.Duration, name ...string) fiber.Handler {
	return RateLimitWithPolicy(rdb, limit, window, FailOpen, name...)
}

func RateLimitWithPolicy(rdb *redis.Client, limit int, window time.Duration, policy FailPolicy, name ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := "ip:" + c.IP()
		if uid := UserID(c); uid != 0 {
			id = fmt.Sprintf("user:%d", uid)
		}
		resource := c.Route().Path
		if len(name) > 0 {
			resource = name[0]
		}

		allowed, resetIn, err := hit(c.UserContext(), rdb, resource, id, limit, window)
		if err != nil {
			if policy == FailOpen {
				return c.Next()
			}
			Logger.WarnContext(c.UserContext(), "rate limit store unavailable",
				slog.String("resource", resource),
				slog.String("error", err.Error()),
			)
			return models.RespondWithError(c, fiber.StatusServiceUnavailable,
				models.NewUnavailableError("Rate limiting is temporarily unavailable", err))
		}

		if !allowed {
			if resetIn > 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(resetIn.Round(time.Second)/time.Second)))
			}
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				models.NewRateLimitedError("Too many requests, slow down"))
		}
		return c.Next()
	}
}
