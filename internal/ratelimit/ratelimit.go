// Package ratelimit applies token bucket limits to connection admission.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket refilled at rate tokens per second up to capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// ConnectionLimiter limits connection admission globally and per database.
// A rate of 0 disables the corresponding limit.
type ConnectionLimiter struct {
	mu          sync.Mutex
	global      *TokenBucket
	perDatabase map[string]*TokenBucket
	rate        int
	burst       int
}

// NewConnectionLimiter creates a limiter with the given global and
// per-database connection rates (per second) and burst size.
func NewConnectionLimiter(globalRate, perDatabaseRate, burst int) *ConnectionLimiter {
	l := &ConnectionLimiter{
		perDatabase: make(map[string]*TokenBucket),
		rate:        perDatabaseRate,
		burst:       burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// AllowConnection checks whether a new connection for databaseID is admitted.
func (l *ConnectionLimiter) AllowConnection(databaseID string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perDatabase[databaseID]
	if !ok {
		bucket = NewTokenBucket(l.rate, l.burst)
		l.perDatabase[databaseID] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Cleanup drops buckets for databases no longer active.
func (l *ConnectionLimiter) Cleanup(active map[string]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.perDatabase {
		if !active[id] {
			delete(l.perDatabase, id)
		}
	}
}
