package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	generalLimit = 100
	authLimit    = 10
	windowLength = time.Minute
	sweepEvery   = time.Minute
)

type window struct {
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed-window counter keyed by client IP. Auth endpoints
// get a tighter budget; health probes are exempt.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	go rl.sweep()
	return rl
}

func (rl *rateLimiter) sweep() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for range ticker.C {
		now := rl.now()
		rl.mu.Lock()
		for key, w := range rl.windows {
			if now.After(w.resetAt) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// allow counts one request against the key's window and reports whether it
// fits, along with the seconds until the window resets.
func (rl *rateLimiter) allow(key string, limit int) (bool, int) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(windowLength)}
		rl.windows[key] = w
	}
	w.count++
	retryAfter := int(time.Until(w.resetAt).Seconds()) + 1
	return w.count <= limit, retryAfter
}

func limitFor(path string) int {
	if strings.HasPrefix(path, "/auth") {
		return authLimit
	}
	return generalLimit
}

func (rl *rateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if path == "/healthz" {
				return next(c)
			}
			key := c.RealIP() + "|" + strconv.Itoa(limitFor(path))
			ok, retryAfter := rl.allow(key, limitFor(path))
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
