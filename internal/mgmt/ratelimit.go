package mgmt

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int // burst size
}

// window converts the rate into a request budget per sliding window. The
// limiter counts whole seconds, so the window is never shorter than one.
func (c RateLimitConfig) window() (int, time.Duration) {
	burst := c.Burst
	if burst < c.RPS {
		burst = c.RPS
	}
	seconds := 1
	if c.RPS > 0 && burst/c.RPS > 1 {
		seconds = burst / c.RPS
	}
	limit := c.RPS * seconds
	if limit < burst {
		limit = burst
	}
	return limit, time.Duration(seconds) * time.Second
}

// NewRateLimitMiddleware returns a per-client sliding-window rate limiter.
// Probes are never limited.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	limit, window := cfg.window()

	return limiter.New(limiter.Config{
		Next: func(c *fiber.Ctx) bool {
			return isProbe(c.Path())
		},
		Max:        limit,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		},
		LimiterMiddleware: limiter.SlidingWindow{},
	})
}
