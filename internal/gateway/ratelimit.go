package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

const anonymousKey = "anonymous:global"

// Limiter is satisfied by both TokenBucket and SlidingWindow, letting
// RateLimitStage select an algorithm via config without a type switch.
type Limiter interface {
	Allow(key string) bool
	StartCleanup(interval time.Duration) (stop func())
}

// RateLimitStage admits or rejects an envelope based on a per-key limiter,
// deriving the key from the principal when authentication has already run,
// else the shared anonymous bucket. In the default stage order RateLimit
// precedes Authentication, so Principal is usually nil here; deployments
// that reorder stages still work since the key derivation only looks at
// whatever is already on rc.
type RateLimitStage struct {
	limiter Limiter
}

// NewRateLimitStage builds a RateLimit stage around limiter.
func NewRateLimitStage(limiter Limiter) *RateLimitStage {
	return &RateLimitStage{limiter: limiter}
}

func (s *RateLimitStage) Name() string { return "RateLimit" }

func (s *RateLimitStage) Handle(ctx context.Context, env wire.Envelope, rc *RequestContext) error {
	key := anonymousKey
	if rc.Principal != nil && rc.Principal.Subject != "" {
		key = rc.Principal.Subject
	}
	if !s.limiter.Allow(key) {
		return rejectAs(trebuerr.RateLimitExceeded, "rate limit exceeded for "+key)
	}
	return nil
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// TokenBucket is a per-key token-bucket limiter built on
// golang.org/x/time/rate.Limiter, one bucket allocated lazily per key.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*bucketEntry
	capacity int
	refill   float64 // tokens per second
}

// NewTokenBucket builds a TokenBucket with the given capacity and refill rate.
func NewTokenBucket(capacity int, refillRatePerSecond float64) *TokenBucket {
	return &TokenBucket{
		buckets:  make(map[string]*bucketEntry),
		capacity: capacity,
		refill:   refillRatePerSecond,
	}
}

func (b *TokenBucket) entryFor(key string) *bucketEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.buckets[key]
	if !ok {
		e = &bucketEntry{limiter: rate.NewLimiter(rate.Limit(b.refill), b.capacity)}
		b.buckets[key] = e
	}
	e.lastUsed = time.Now()
	return e
}

// Allow deducts one token from key's bucket if available.
func (b *TokenBucket) Allow(key string) bool {
	return b.entryFor(key).limiter.Allow()
}

// StartCleanup periodically drops buckets untouched since the last sweep,
// bounding memory for keys that stop sending traffic; stop cancels it.
func (b *TokenBucket) StartCleanup(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-interval)
				b.mu.Lock()
				for k, e := range b.buckets {
					if e.lastUsed.Before(cutoff) {
						delete(b.buckets, k)
					}
				}
				b.mu.Unlock()
			}
		}
	}()
	return func() { ticker.Stop(); close(done) }
}

// SlidingWindow admits a key while its timestamp deque within the window
// holds fewer than limit entries.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	hits   map[string][]time.Time
}

// NewSlidingWindow builds a SlidingWindow admitting at most limit requests
// per key within window.
func NewSlidingWindow(window time.Duration, limit int) *SlidingWindow {
	return &SlidingWindow{window: window, limit: limit, hits: make(map[string][]time.Time)}
}

// Allow admits key if its recent-hit count within window is below limit.
func (s *SlidingWindow) Allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := s.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.limit {
		s.hits[key] = kept
		return false
	}
	s.hits[key] = append(kept, now)
	return true
}

// StartCleanup periodically drops keys with no hits left in the window.
func (s *SlidingWindow) StartCleanup(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-s.window)
				s.mu.Lock()
				for k, hits := range s.hits {
					kept := hits[:0]
					for _, t := range hits {
						if t.After(cutoff) {
							kept = append(kept, t)
						}
					}
					if len(kept) == 0 {
						delete(s.hits, k)
					} else {
						s.hits[k] = kept
					}
				}
				s.mu.Unlock()
			}
		}
	}()
	return func() { ticker.Stop(); close(done) }
}
