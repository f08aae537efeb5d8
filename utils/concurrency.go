package utils

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer spaces browser actions by a randomised minimum interval so a single
// worker never hammers a site. It is safe for concurrent use.
type Pacer struct {
	minInterval time.Duration
	maxInterval time.Duration

	mu          sync.Mutex
	lastRequest time.Time
	rnd         *rand.Rand
}

// NewPacer creates a Pacer that waits between min and max between actions.
func NewPacer(min, max time.Duration) *Pacer {
	if max < min {
		max = min
	}
	return &Pacer{
		minInterval: min,
		maxInterval: max,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until the next action is allowed or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	interval := p.minInterval
	if spread := p.maxInterval - p.minInterval; spread > 0 {
		interval += time.Duration(p.rnd.Int63n(int64(spread)))
	}
	if !p.lastRequest.IsZero() {
		if elapsed := time.Since(p.lastRequest); elapsed < interval {
			if err := Sleep(ctx, interval-elapsed); err != nil {
				return err
			}
		}
	}
	p.lastRequest = time.Now()
	return nil
}

// URLSet is a thread-safe set of strings. The dedup store uses it as the
// per-process session layer.
type URLSet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewURLSet creates an empty URLSet.
func NewURLSet() *URLSet {
	return &URLSet{seen: make(map[string]struct{})}
}

// Add returns true if the key was newly added, false if already present.
func (s *URLSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[key]; exists {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

// Size returns the number of unique keys tracked.
func (s *URLSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Reset forgets every key.
func (s *URLSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]struct{})
}
