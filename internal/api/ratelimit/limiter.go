// Package ratelimit throttles mutating API requests per client IP.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

const (
	DefaultRequestsPerWindow = 30
	DefaultWindow            = time.Minute
)

// Config bounds how many requests one IP may make per window.
type Config struct {
	RequestsPerWindow int64
	Window            time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		RequestsPerWindow: DefaultRequestsPerWindow,
		Window:            DefaultWindow,
	}
}

type ipBucket struct {
	count     int64
	resetTime time.Time
}

// Limiter is a fixed-window request counter keyed by client IP.
type Limiter struct {
	mu        sync.Mutex
	ipBuckets map[string]*ipBucket
	limit     int64
	window    time.Duration
	clock     clockwork.Clock
}

// NewLimiter creates a limiter. A nil clock uses the real clock.
func NewLimiter(cfg Config, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = DefaultRequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{
		ipBuckets: make(map[string]*ipBucket),
		limit:     cfg.RequestsPerWindow,
		window:    cfg.Window,
		clock:     clock,
	}
}

func (l *Limiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.Allow(c.RealIP()) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests, please try again later")
			}
			return next(c)
		}
	}
}

// Allow counts a request from ip and reports whether it is within the limit.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.cleanupLocked(now)

	bucket, exists := l.ipBuckets[ip]
	if !exists || now.After(bucket.resetTime) {
		l.ipBuckets[ip] = &ipBucket{
			count:     1,
			resetTime: now.Add(l.window),
		}
		return true
	}

	if bucket.count >= l.limit {
		return false
	}

	bucket.count++
	return true
}

func (l *Limiter) cleanupLocked(now time.Time) {
	for ip, bucket := range l.ipBuckets {
		if now.After(bucket.resetTime) {
			delete(l.ipBuckets, ip)
		}
	}
}
