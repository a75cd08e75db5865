// Package ratelimit provides per-key token bucket rate limiting for the MCP
// tools. Stepping a large world is expensive, so heat_step is held to a much
// lower rate than the read-only tools.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is wrapped by CheckLimit errors.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter implements a per-key token bucket rate limiter. It is safe for
// concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int     // bucket capacity and initial token count
	nowFunc func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewLimiter creates a limiter refilling at rate tokens/sec up to burst.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// refill returns key's bucket topped up to now. l.mu must be held.
func (l *Limiter) refill(key string) *bucket {
	now := l.nowFunc()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastCheck: now}
		l.buckets[key] = b
		return b
	}
	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.tokens+l.rate*elapsed, float64(l.burst))
		b.lastCheck = now
	}
	return b
}

// Allow takes a token for key, reporting false when none is available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter reports how long until key has a token again. Zero means a
// call would be allowed now.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens >= 1.0 {
		return 0
	}
	if l.rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration((1.0 - b.tokens) / l.rate * float64(time.Second))
}

// ToolLimiters maps tool names to their rate limiters.
type ToolLimiters map[string]*Limiter

// NewToolLimiters creates the default per-tool limits.
func NewToolLimiters() ToolLimiters {
	return ToolLimiters{
		"heat_step":        NewLimiter(6.0/60.0, 2), // 6/minute, burst 2
		"heat_generate":    NewLimiter(0.5, 5),      // 30/minute, burst 5
		"heat_runs":        NewLimiter(1.0, 10),     // 60/minute, burst 10
		"heat_devices":     NewLimiter(1.0, 10),     // 60/minute, burst 10
		"heat_checkpoints": NewLimiter(0.5, 5),      // 30/minute, burst 5
	}
}

// CheckLimit returns nil if toolName may run now. Tools without a limiter
// are always allowed.
func CheckLimit(limiters ToolLimiters, toolName string) error {
	limiter, ok := limiters[toolName]
	if !ok {
		return nil
	}
	if limiter.Allow(toolName) {
		return nil
	}
	wait := limiter.RetryAfter(toolName).Round(time.Second)
	return fmt.Errorf("%w for %s, retry in %s", ErrRateLimited, toolName, wait)
}
