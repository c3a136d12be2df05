// Package ratelimit provides a per-tenant in-memory rate limiter. Because
// every tenant shares one serialized ERP session, a single chatty
// integration can starve everyone else; the facade front-loads this
// limiter so excess calls are rejected before they queue on the session.
package ratelimit

import (
	"sync"
	"time"
)

// bucket is a token bucket refilled continuously at a fixed rate.
type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// Store hands out one bucket per tenant key. All buckets share the same
// rate and burst, configured once at construction.
type Store struct {
	mu        sync.RWMutex
	buckets   map[string]*bucket
	perSecond float64
	burst     float64
}

// NewStore creates a Store allowing requestsPerMinute operations per key,
// with up to burst operations admitted back to back. A burst below 1
// defaults to the per-minute rate.
func NewStore(requestsPerMinute, burst int) *Store {
	b := float64(burst)
	if b < 1 {
		b = float64(requestsPerMinute)
	}
	return &Store{
		buckets:   make(map[string]*bucket),
		perSecond: float64(requestsPerMinute) / 60.0,
		burst:     b,
	}
}

// Allow reports whether one more operation is admitted for key, consuming
// a token when it is. Unknown keys start with a full bucket.
func (s *Store) Allow(key string) bool {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()

	if !ok {
		s.mu.Lock()
		if b, ok = s.buckets[key]; !ok {
			b = &bucket{tokens: s.burst, last: time.Now()}
			s.buckets[key] = b
		}
		s.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * s.perSecond
	if b.tokens > s.burst {
		b.tokens = s.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
