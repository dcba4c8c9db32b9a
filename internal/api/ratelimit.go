package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trinhvq/breachscope/internal/config"
)

// RateLimiter enforces a fixed per-minute request budget per caller. Audit
// submissions carry whole reporting windows of events, so the budget is
// coarse.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	cfg    config.RateLimitConfig
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(redisClient *redis.Client, cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		cfg:    cfg,
	}
}

var limitScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// Middleware returns an HTTP middleware enforcing the per-client budget.
// Redis errors fail open: an unavailable limiter never blocks auditing.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.cfg.Enabled || rl.redis == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			clientID := getClientIP(r)
			redisKey := fmt.Sprintf("breachscope:ratelimit:%s:minute", clientID)

			count, err := limitScript.Run(ctx, rl.redis, []string{redisKey}, 60000).Int()
			if err != nil {
				rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			remaining := rl.cfg.RequestsPerMinute - count
			if remaining < 0 {
				remaining = 0
			}

			if rl.cfg.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}

			if count > rl.cfg.RequestsPerMinute {
				ttl, _ := rl.redis.TTL(ctx, redisKey).Result()
				if ttl < 0 {
					ttl = time.Minute
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`, int(ttl.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
