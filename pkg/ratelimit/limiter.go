package ratelimit

import (
	"math"
	"net"
	"sync"
	"time"
)

// DefaultEntryTTL is how long an idle bucket is kept.
const DefaultEntryTTL = 1 * time.Minute

// Config configures a Limiter.
type Config struct {
	Rate     float64       // tokens per second
	Burst    int           // maximum bucket capacity
	EntryTTL time.Duration // how long an entry lives without activity
}

// bucket is the token state of one key.
type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter rate limits by key. It is safe for concurrent use.
type Limiter struct {
	rate  float64
	burst float64
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// New creates a Limiter. A non-positive Burst defaults to one second's worth
// of tokens, at least one.
func New(cfg Config) *Limiter {
	burst := float64(cfg.Burst)
	if burst <= 0 {
		burst = math.Max(1, math.Ceil(cfg.Rate))
	}
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	return &Limiter{
		rate:    cfg.Rate,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int {
	return int(l.burst)
}

// Allow consumes one token for key. When none is available it returns false
// and how long until one will be.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.last).Seconds()*l.rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, l.ttl
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, max(wait, time.Millisecond)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep drops buckets idle for longer than the TTL. Caller must hold l.mu.
func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-l.ttl)
	for k, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
	l.lastSweep = now
}

// ClientIP returns the host part of a RemoteAddr, or the address unchanged
// when it has no port.
func ClientIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}
