// Package limiter implements per-caller request rate limiting with an
// in-process or Redis-backed token bucket.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned by Check when a caller exceeds its policy.
var ErrLimited = errors.New("limiter: rate limit exceeded")

// Policy defines a token bucket: RPM refill per minute, Burst capacity.
type Policy struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

// ratePerSec converts RPM, falling back to one token per second.
func (p Policy) ratePerSec() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// Store abstracts the storage for rate limiting buckets.
type Store interface {
	// Allow reports whether key may perform an action costing cost tokens.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// Check consults store for key. A nil store denies.
func Check(ctx context.Context, store Store, key string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("limiter: no store configured")
	}
	allowed, err := store.Allow(ctx, key, policy, 1)
	if err != nil {
		return fmt.Errorf("limiter: check %s: %w", key, err)
	}
	if !allowed {
		return fmt.Errorf("%w for %s", ErrLimited, key)
	}
	return nil
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one rate.Limiter per key in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	idle     time.Duration
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

// NewMemoryStore creates a store that forgets keys idle for longer than idle.
// A background sweep runs until Close.
func NewMemoryStore(idle time.Duration) *MemoryStore {
	if idle <= 0 {
		idle = 3 * time.Minute
	}
	s := &MemoryStore{
		visitors: make(map[string]*visitor),
		idle:     idle,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// WithClock overrides the time source.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.mu.Lock()
	s.now = clock
	s.mu.Unlock()
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.ratePerSec()), policy.burst())}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

// Sweep drops keys idle for longer than the configured idle window.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.visitors {
		if now.Sub(v.lastSeen) > s.idle {
			delete(s.visitors, k)
		}
	}
}

func (s *MemoryStore) cleanupLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
