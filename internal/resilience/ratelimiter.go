package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitDecision is the outcome of one rate-limit check.
type LimitDecision struct {
	Allowed    bool
	Blocked    bool // key is inside a block window
	RetryAfter time.Duration
}

// LimiterStore abstracts where per-key limiter state lives so a shared
// Redis table can replace the in-process one in multi-replica setups.
type LimiterStore interface {
	// Check applies one request against the key's budget.
	Check(ctx context.Context, key string) (LimitDecision, error)
	// Sweep evicts entries idle for longer than maxIdle.
	Sweep(maxIdle time.Duration)
}

// IPRateLimiterConfig defines the per-key limiter parameters.
type IPRateLimiterConfig struct {
	PerMinute     int
	Burst         int
	BlockDuration time.Duration
}

// IPRateLimiter is the in-process limiter: a token bucket per key plus
// a sliding one-minute window, with a block window applied once the
// minute budget is exhausted.
type IPRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	cfg     IPRateLimiterConfig
}

type limiterEntry struct {
	bucket       *rate.Limiter
	windowStart  time.Time
	windowCount  int
	blockedUntil time.Time
	lastSeen     time.Time
}

// NewIPRateLimiter creates a new in-process rate limiter.
func NewIPRateLimiter(cfg IPRateLimiterConfig) *IPRateLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	return &IPRateLimiter{
		entries: make(map[string]*limiterEntry),
		cfg:     cfg,
	}
}

// Check applies one request against key's budget. The burst bucket
// bounds the instantaneous rate; the minute window bounds the sustained
// rate; exceeding the minute budget starts a block window.
func (l *IPRateLimiter) Check(_ context.Context, key string) (LimitDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{
			bucket:      rate.NewLimiter(rate.Limit(float64(l.cfg.Burst)), l.cfg.Burst),
			windowStart: now,
		}
		l.entries[key] = e
	}
	e.lastSeen = now

	if now.Before(e.blockedUntil) {
		return LimitDecision{Blocked: true, RetryAfter: time.Until(e.blockedUntil)}, nil
	}

	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.windowCount = 0
	}

	if e.windowCount >= l.cfg.PerMinute {
		e.blockedUntil = now.Add(l.cfg.BlockDuration)
		return LimitDecision{Blocked: true, RetryAfter: l.cfg.BlockDuration}, nil
	}

	if !e.bucket.Allow() {
		return LimitDecision{RetryAfter: time.Second}, nil
	}

	e.windowCount++
	return LimitDecision{Allowed: true}, nil
}

// Sweep evicts entries idle for longer than maxIdle. Blocked entries
// are kept until their block window has passed.
func (l *IPRateLimiter) Sweep(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > maxIdle && now.After(e.blockedUntil) {
			delete(l.entries, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
