// Package ratelimit implements a token-bucket limiter guarding the Event
// Store write path (spec §5 "Backpressure": "the BLS rate-limits accepted
// packets to protect the store"). No pack dependency covers this narrow a
// concern — the corpus's rate limiting is all either gRPC-interceptor
// middleware (not applicable; this relay has no gRPC surface) or HTTP
// middleware tied to a specific router. A token bucket is ~40 lines of
// time.Now-driven refill arithmetic and gains nothing from a library here, so it is the one
// ambient concern built directly on the standard library; see DESIGN.md.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple token bucket: capacity tokens are available
// immediately, refilled continuously at refillPerSec tokens per second
// (computed from the elapsed time on each Allow call), never exceeding
// capacity.
type Limiter struct {
	mu             sync.Mutex
	tokens         float64
	capacity       float64
	refillPerSec   float64
	lastRefillNano int64
	nowFunc        func() time.Time
}

// NewLimiter returns a Limiter starting full, refilling at refillPerSec
// tokens per second up to capacity.
func NewLimiter(capacity int, refillPerSec float64) *Limiter {
	now := time.Now()
	return &Limiter{
		tokens:         float64(capacity),
		capacity:       float64(capacity),
		refillPerSec:   refillPerSec,
		lastRefillNano: now.UnixNano(),
		nowFunc:        time.Now,
	}
}

// Allow reports whether a single token is available, consuming it if so.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	elapsed := time.Duration(now.UnixNano() - l.lastRefillNano)
	if elapsed > 0 {
		l.tokens += elapsed.Seconds() * l.refillPerSec
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
		l.lastRefillNano = now.UnixNano()
	}

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
