package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts limiters for clients not seen for this long.
	IdleTTL time.Duration
	// Skip exempts matching requests, e.g. health checks and webhooks.
	Skip func(c echo.Context) bool
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
		IdleTTL:           10 * time.Minute,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore holds one rate.Limiter per client key.
type limiterStore struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	cfg       RateLimitConfig
	lastSweep time.Time
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	return &limiterStore{
		clients:   make(map[string]*clientLimiter),
		cfg:       cfg,
		lastSweep: time.Now(),
	}
}

func (s *limiterStore) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.IdleTTL > 0 && now.Sub(s.lastSweep) > s.cfg.IdleTTL {
		for k, cl := range s.clients {
			if now.Sub(cl.lastSeen) > s.cfg.IdleTTL {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// RateLimit returns a per client IP rate limiting middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skip != nil && cfg.Skip(c) {
				return next(c)
			}

			now := time.Now()
			limiter := store.get(c.RealIP(), now)
			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)

			res := limiter.ReserveN(now, 1)
			if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
				res.CancelAt(now)
				retryAfter := 1
				if res.OK() {
					retryAfter = int(math.Ceil(delay.Seconds()))
				}
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
