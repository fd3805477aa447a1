package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RatePolicy is the per-key rate ceiling for the gate's first stage.
type RatePolicy struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	Burst     int `json:"burst" yaml:"burst"`
}

// LimiterStore abstracts the rate-limit counter storage so single-node
// deployments use in-process buckets and multi-instance deployments share
// state through Redis. Allow must be safe under concurrent calls.
type LimiterStore interface {
	Allow(ctx context.Context, key string, policy RatePolicy) (bool, error)
}

// bucket tracks the limiter and last use for one key.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiterStore keeps per-key token buckets in process. Idle buckets
// are evicted so a long-lived gate does not accumulate one bucket per
// actor it has ever seen.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	ttl     time.Duration
	done    chan struct{}
	once    sync.Once
}

// NewMemoryLimiterStore creates a store and starts its background
// eviction loop.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	s := &MemoryLimiterStore{
		buckets: make(map[string]*bucket),
		ttl:     10 * time.Minute,
		done:    make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

// Allow consumes one token for the key, creating the bucket on first use.
func (s *MemoryLimiterStore) Allow(_ context.Context, key string, policy RatePolicy) (bool, error) {
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		perSec := rate.Limit(float64(policy.PerMinute) / 60.0)
		if perSec <= 0 {
			perSec = rate.Limit(1)
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		b = &bucket{limiter: rate.NewLimiter(perSec, burst)}
		s.buckets[key] = b
	}
	b.lastSeen = time.Now()
	s.mu.Unlock()

	return b.limiter.Allow(), nil
}

// Reset drops all buckets.
func (s *MemoryLimiterStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[string]*bucket)
}

// Close stops the eviction loop.
func (s *MemoryLimiterStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryLimiterStore) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			cutoff := time.Now().Add(-s.ttl)
			for key, b := range s.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(s.buckets, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
