package expiry

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMaxSize = 4096
	defaultTTL     = 24 * time.Hour
)

// Set is a bounded membership set whose entries expire. Capacity is
// enforced by LRU eviction, so the set never grows past its size even
// if nothing sweeps it; expiry is enforced lazily on Contains and
// eagerly by Sweep. Safe for concurrent use.
//
// The plane uses it for process-local facts that must not live forever:
// which broadcast messages an agent has already seen, and which remote
// change IDs the sync engine has already applied.
type Set struct {
	mu      sync.Mutex
	entries *lru.Cache[string, time.Time]
	ttl     time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSet returns a set holding at most maxSize keys, each valid for ttl
// after insertion. Non-positive arguments fall back to defaults.
func NewSet(maxSize int, ttl time.Duration) *Set {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	// lru.New only errors on non-positive size, guarded above.
	entries, _ := lru.New[string, time.Time](maxSize)
	return &Set{
		entries: entries,
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
}

// Add records key with the set's default TTL.
func (s *Set) Add(key string) {
	s.AddWithTTL(key, s.ttl)
}

// AddWithTTL records key with an explicit TTL, overriding any earlier
// deadline for the same key.
func (s *Set) AddWithTTL(key string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.mu.Lock()
	s.entries.Add(key, time.Now().Add(ttl))
	s.mu.Unlock()
}

// Contains reports whether key is present and unexpired. Expired keys
// are evicted on the way out so the LRU bookkeeping stays clean.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.entries.Get(key)
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		s.entries.Remove(key)
		return false
	}
	return true
}

// Remove drops key if present.
func (s *Set) Remove(key string) {
	s.mu.Lock()
	s.entries.Remove(key)
	s.mu.Unlock()
}

// Len returns the number of stored keys, expired ones included until
// the next sweep.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Sweep evicts every key whose deadline is at or before now and
// returns how many were dropped.
func (s *Set) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for _, key := range s.entries.Keys() {
		deadline, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		if !now.Before(deadline) {
			s.entries.Remove(key)
			dropped++
		}
	}
	return dropped
}

// StartSweeper runs Sweep every interval until Stop is called.
func (s *Set) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(time.Now())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweeper. Safe to call more than once
// and safe to call when no sweeper was started.
func (s *Set) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
