// Package ratelimit provides per-key token-bucket rate limiting with
// backpressure signaling, locally or backed by Redis for multi-instance
// deployments.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trustplane/trustplane/pkg/errs"
)

// Result reports the outcome of one rate-limit check.
type Result struct {
	Allowed bool `json:"allowed"`
	// Remaining is the token count left in the bucket after this check.
	Remaining float64 `json:"remaining"`
	// RetryAfter is how long until at least one token is available. Zero
	// when the request was allowed.
	RetryAfter time.Duration `json:"retry_after"`
	// ResetAfter is how long until the bucket refills to capacity.
	ResetAfter time.Duration `json:"reset_after"`
	// Backpressure signals the caller to slow down preemptively: tokens
	// fell under the low-water mark even though the request was allowed.
	Backpressure bool `json:"backpressure"`
}

// Checker is the rate-limit interface middleware consumes. Implemented by
// Limiter and RedisLimiter.
type Checker interface {
	Check(ctx context.Context, key string) (Result, error)
}

// Config sizes the per-key token buckets.
type Config struct {
	// Capacity is the bucket size (maximum burst).
	Capacity int
	// RefillRate is tokens added per second.
	RefillRate float64
	// LowWaterMark is the remaining-token level below which allowed
	// responses still carry a backpressure signal.
	LowWaterMark float64
}

// DefaultConfig allows bursts of 20 with one token per second.
func DefaultConfig() Config {
	return Config{Capacity: 20, RefillRate: 1, LowWaterMark: 5}
}

func (c Config) validate(op string) error {
	if c.Capacity < 1 {
		return errs.Ef(errs.KindGovernance, op, "capacity %d must be at least 1", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return errs.Ef(errs.KindGovernance, op, "refill rate %v must be positive", c.RefillRate)
	}
	if c.LowWaterMark < 0 {
		return errs.Ef(errs.KindGovernance, op, "low-water mark %v must not be negative", c.LowWaterMark)
	}
	return nil
}

// bucket serializes refill+consume for one key.
type bucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter owns in-process token buckets keyed by agent identifier. Buckets
// are created lazily and evicted after sustained inactivity.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter validates cfg and starts the eviction sweep. Call Close to
// release it.
func NewLimiter(cfg Config) (*Limiter, error) {
	if err := cfg.validate("ratelimit.NewLimiter"); err != nil {
		return nil, err
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.evictStale()
	return l, nil
}

// Close stops the eviction sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Check refills the key's bucket by elapsed time, consumes one token when
// available, and reports the outcome. Refill and consume are atomic per key;
// checks for distinct keys do not contend.
func (l *Limiter) Check(_ context.Context, key string) (Result, error) {
	b := l.bucket(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeen = time.Now()
	tokens := b.lim.Tokens()
	allowed := tokens >= 1 && b.lim.Allow()

	remaining := tokens
	if allowed {
		remaining = tokens - 1
	}
	if remaining < 0 {
		remaining = 0
	}

	res := Result{
		Allowed:      allowed,
		Remaining:    remaining,
		ResetAfter:   l.untilTokens(float64(l.cfg.Capacity), remaining),
		Backpressure: remaining < l.cfg.LowWaterMark,
	}
	if !allowed {
		res.RetryAfter = l.untilTokens(1, remaining)
	}
	return res, nil
}

// untilTokens is the time for the bucket to refill from current to target.
func (l *Limiter) untilTokens(target, current float64) time.Duration {
	deficit := target - current
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / l.cfg.RefillRate * float64(time.Second))
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			lim:      rate.NewLimiter(rate.Limit(l.cfg.RefillRate), l.cfg.Capacity),
			lastSeen: time.Now(),
		}
		l.buckets[key] = b
	}
	return b
}

// evictStale removes buckets idle long enough to have refilled completely.
func (l *Limiter) evictStale() {
	idle := time.Duration(float64(l.cfg.Capacity)/l.cfg.RefillRate*float64(time.Second)) + time.Minute
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, b := range l.buckets {
				if time.Since(b.lastSeen) > idle {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// FloorRemaining is the integer token count reported to clients.
func FloorRemaining(r Result) int {
	return int(math.Floor(r.Remaining))
}
