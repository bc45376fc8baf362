// Package ratelimit keeps one token bucket per client key.
package ratelimit

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// Take consumes one token if available.
func (tb *TokenBucket) Take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed.Seconds()*tb.refillRate)
	tb.lastRefill = now
}

// idleSince reports whether the bucket is full and untouched since cutoff.
func (tb *TokenBucket) idleSince(cutoff, now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	last := tb.lastRefill
	tb.refill(now)
	return last.Before(cutoff) && tb.tokens >= tb.capacity
}

// Limiter allows Burst requests per key, refilled at one every Interval.
type Limiter struct {
	buckets cmap.ConcurrentMap[string, *TokenBucket]
	burst   float64
	rate    float64
	now     func() time.Time
}

// New returns a limiter admitting burst requests per key and one more every
// interval.
func New(burst int, interval time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets: cmap.New[*TokenBucket](),
		burst:   float64(burst),
		rate:    1 / interval.Seconds(),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	bucket := l.buckets.Upsert(key, nil, func(exist bool, inMap, _ *TokenBucket) *TokenBucket {
		if exist {
			return inMap
		}
		return NewTokenBucket(l.burst, l.rate, now)
	})
	return bucket.Take(now)
}

// Prune drops buckets that have been idle for at least idle and returns how
// many were removed.
func (l *Limiter) Prune(idle time.Duration) int {
	now := l.now()
	cutoff := now.Add(-idle)
	removed := 0
	for _, key := range l.buckets.Keys() {
		if l.buckets.RemoveCb(key, func(_ string, b *TokenBucket, exists bool) bool {
			return exists && b.idleSince(cutoff, now)
		}) {
			removed++
		}
	}
	return removed
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int { return l.buckets.Count() }
