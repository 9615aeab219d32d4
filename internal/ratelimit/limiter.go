// Package ratelimit provides token-bucket rate limiting for the HTTP surface.
//
// Buckets are keyed, by default on client ip + route path, and refill
// proportionally to elapsed time over the configured window. The bucket map
// is process-local.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config configures a limiter.
type Config struct {
	// Max is the number of requests allowed per window.
	Max int `yaml:"max" json:"max"`

	// Window is the refill period for Max tokens.
	Window time.Duration `yaml:"window" json:"window"`

	// Enabled toggles limiting. A disabled limiter allows everything.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConfig allows 60 requests per minute per key.
func DefaultConfig() Config {
	return Config{Max: 60, Window: time.Minute, Enabled: true}
}

// Decision is the outcome of one Take, carrying everything the HTTP headers
// need.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// bucket holds float tokens so partial refills accumulate across requests.
type bucket struct {
	tokens float64
	max    float64
	window time.Duration
	last   time.Time
}

// refill adds elapsed/window*max tokens, capped at max.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now
	b.tokens += elapsed.Seconds() / b.window.Seconds() * b.max
	if b.tokens > b.max {
		b.tokens = b.max
	}
}

// take consumes one token if available.
func (b *bucket) take(now time.Time) (bool, float64) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, b.tokens
	}
	return false, b.tokens
}

// retryAfter is the time until one token is available.
func (b *bucket) retryAfter() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	perToken := b.window.Seconds() / b.max
	return time.Duration((1 - b.tokens) * perToken * float64(time.Second))
}

// Limiter manages buckets for many keys. Idle keys are pruned once the map
// grows past maxKeys.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter builds a limiter from cfg, applying defaults for zero values.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Max <= 0 {
		cfg.Max = DefaultConfig().Max
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// SetConfig replaces the limiter's tuning. Existing buckets are dropped so
// the new sizing takes effect immediately.
func (l *Limiter) SetConfig(cfg Config) {
	if cfg.Max <= 0 {
		cfg.Max = DefaultConfig().Max
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.buckets = make(map[string]*bucket)
}

// Take attempts to consume one token for key and reports the decision.
func (l *Limiter) Take(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.Enabled {
		return Decision{Allowed: true, Limit: l.cfg.Max, Remaining: l.cfg.Max}
	}

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.prune(now)
		}
		b = &bucket{
			tokens: float64(l.cfg.Max),
			max:    float64(l.cfg.Max),
			window: l.cfg.Window,
			last:   now,
		}
		l.buckets[key] = b
	}

	allowed, tokens := b.take(now)
	d := Decision{
		Allowed:   allowed,
		Limit:     l.cfg.Max,
		Remaining: int(tokens),
	}
	if !allowed {
		retry := b.retryAfter()
		if retry < time.Second {
			retry = time.Second
		}
		d.RetryAfter = retry
	}
	return d
}

// Reset drops the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// prune removes near-full buckets; those keys have been idle for at least
// most of a window. Caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	for key, b := range l.buckets {
		b.refill(now)
		if b.tokens >= b.max*0.9 {
			delete(l.buckets, key)
		}
	}
}

// CompositeKey joins parts with ":" to form a bucket key.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
