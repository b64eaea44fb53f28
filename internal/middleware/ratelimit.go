// Package middleware holds gin middleware for the control plane.
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	zaplogrus "github.com/quantfold/autotrade/internal/logging/zaplogrus"
)

// RateLimitConfig bounds requests per client per window. The zero value is
// replaced by 30 requests per minute, enough for a dashboard polling the
// trigger endpoints but not for a runaway cron.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// RateLimiter throttles manual scheduler triggers. Counting runs through
// Redis so replicas share one budget; when Redis is unavailable the limiter
// falls back to a per-process window and fails open on errors.
type RateLimiter struct {
	config RateLimitConfig
	client *redis.Client
	logger *zaplogrus.Logger
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(cfg RateLimitConfig, client *redis.Client, logger *zaplogrus.Logger) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 30
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if logger == nil {
		logger = zaplogrus.New()
	}
	return &RateLimiter{
		config: cfg,
		client: client,
		logger: logger,
		now:    time.Now,
		local:  map[string]*localWindow{},
	}
}

// Middleware rejects requests over the budget with 429 and sets the
// X-RateLimit-Limit / X-RateLimit-Remaining headers on every response.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining, err := rl.take(c.Request.Context(), c.ClientIP())
		if err != nil {
			rl.logger.WithError(err).Warn("Rate limit check failed, allowing request")
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// incrScript atomically counts a request in the current window and starts
// the expiry clock on the first hit.
var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

func (rl *RateLimiter) take(ctx context.Context, clientID string) (bool, int, error) {
	if rl.client == nil {
		return rl.takeLocal(clientID)
	}
	key := "autotrade:ratelimit:" + clientID
	count, err := incrScript.Run(ctx, rl.client, []string{key}, int(rl.config.Window.Seconds())).Int()
	if err != nil {
		return false, 0, err
	}
	remaining := rl.config.Requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.config.Requests, remaining, nil
}

func (rl *RateLimiter) takeLocal(clientID string) (bool, int, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.local[clientID]
	if !ok || now.After(w.resetAt) {
		if len(rl.local) > 256 {
			for id, entry := range rl.local {
				if now.After(entry.resetAt) {
					delete(rl.local, id)
				}
			}
		}
		rl.local[clientID] = &localWindow{count: 1, resetAt: now.Add(rl.config.Window)}
		return true, rl.config.Requests - 1, nil
	}
	w.count++
	remaining := rl.config.Requests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return w.count <= rl.config.Requests, remaining, nil
}

// Reset clears the window for one client.
func (rl *RateLimiter) Reset(ctx context.Context, clientID string) error {
	if rl.client != nil {
		return rl.client.Del(ctx, "autotrade:ratelimit:"+clientID).Err()
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.local, clientID)
	return nil
}
