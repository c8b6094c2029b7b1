package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket admits up to capacity requests per second, with a burst of
// capacity. A fresh bucket starts full.
type TokenBucket struct {
	capacity int
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewTokenBucket returns a full bucket. Capacities below one are raised to one.
func NewTokenBucket(capacity int) *TokenBucket {
	return newTokenBucket(capacity, time.Now)
}

func newTokenBucket(capacity int, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		capacity: capacity,
		limiter:  rate.NewLimiter(rate.Limit(capacity), capacity),
		now:      now,
	}
}

// TryConsume refills by elapsed time and debits one token if one is available.
// It never blocks and never queues.
func (b *TokenBucket) TryConsume() bool {
	return b.limiter.AllowN(b.now(), 1)
}

func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Registry holds one bucket per system id, shared by every session bound as
// that client.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		buckets: make(map[string]*TokenBucket),
		now:     time.Now,
	}
}

// Get returns the bucket for systemID, creating it with capacity on first use.
func (r *Registry) Get(systemID string, capacity int) *TokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[systemID]; ok {
		return b
	}
	b := newTokenBucket(capacity, r.now)
	r.buckets[systemID] = b
	return b
}

// Invalidate drops the buckets for the given ids. Sessions already holding a
// bucket keep it; the next bind creates a fresh one.
func (r *Registry) Invalidate(systemIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range systemIDs {
		delete(r.buckets, id)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
