package pkg

import (
	"net"
	"net/http"
	"sync"
	"time"

	"leviathan/model"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DefaultRateLimit is the minimum gap between two requests from one client.
const DefaultRateLimit = 500 * time.Millisecond

type RateLimiter struct {
	lastRequest map[string]time.Time
	mu          sync.Mutex
	window      time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

func NewRateLimiter(window time.Duration, logger *zap.Logger) *RateLimiter {
	if window <= 0 {
		window = DefaultRateLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		lastRequest: make(map[string]time.Time),
		window:      window,
		now:         time.Now,
		logger:      logger,
	}
}

func clientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "::1" || host == "127.0.0.1" {
		return "localhost"
	}
	return host
}

// Allow records a request from addr and reports whether it falls outside the
// client's window.
func (rl *RateLimiter) Allow(addr string) bool {
	key := clientKey(addr)
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if last, exists := rl.lastRequest[key]; exists && now.Sub(last) < rl.window {
		rl.logger.Debug("rate limit exceeded", zap.String("client", key))
		return false
	}
	rl.lastRequest[key] = now
	return true
}

// Prune forgets clients idle for longer than the window.
func (rl *RateLimiter) Prune() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, last := range rl.lastRequest {
		if now.Sub(last) >= rl.window {
			delete(rl.lastRequest, key)
			n++
		}
	}
	return n
}

// Middleware rejects requests that arrive inside the client's window.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.Request.RemoteAddr) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.ErrorResponse{
				Error:  "Rate limit exceeded, try again later",
				Reason: "rate_limited",
			})
			return
		}
		c.Next()
	}
}
