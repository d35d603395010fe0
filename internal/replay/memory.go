package replay

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	defaultSweepEvery = 256
	defaultMaxEntries = 100_000
)

// MemoryStore keeps first-seen timestamps in process. Expired keys are swept
// every sweepEvery calls or when the map exceeds maxEntries; if the map is
// still over the cap after a sweep the oldest keys are evicted.
type MemoryStore struct {
	mu         sync.Mutex
	seen       map[Key]time.Time
	ttl        time.Duration
	sweepEvery int
	maxEntries int
	calls      int
}

type MemoryOptions struct {
	TTL        time.Duration
	SweepEvery int
	MaxEntries int
}

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweepEvery
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		seen:       make(map[Key]time.Time),
		ttl:        opts.TTL,
		sweepEvery: opts.SweepEvery,
		maxEntries: opts.MaxEntries,
	}
}

func (s *MemoryStore) CheckAndStore(_ context.Context, key Key, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls >= s.sweepEvery || len(s.seen) > s.maxEntries {
		s.sweepLocked(now)
		s.calls = 0
	}

	if first, ok := s.seen[key]; ok && now.Sub(first) < s.ttl {
		return false, nil
	}
	s.seen[key] = now
	return true, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, first := range s.seen {
		if now.Sub(first) >= s.ttl {
			delete(s.seen, k)
		}
	}
	if len(s.seen) <= s.maxEntries {
		return
	}
	// Evict down to a low-water mark so the next cap sweep is many inserts away.
	keep := s.maxEntries - s.maxEntries/10
	type aged struct {
		key   Key
		first time.Time
	}
	all := make([]aged, 0, len(s.seen))
	for k, first := range s.seen {
		all = append(all, aged{key: k, first: first})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].first.Before(all[j].first) })
	for _, a := range all[:len(all)-keep] {
		delete(s.seen, a.key)
	}
}
