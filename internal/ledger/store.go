package ledger

import (
	"context"
	"sync"
)

// Store persists entries in sequence order. Implementations do not compute
// hashes; Ledger owns linkage.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Head(ctx context.Context) (Entry, bool, error)
	Range(ctx context.Context, from int64, limit int) ([]Entry, error)
}

// MemoryStore is an in-process Store used in tests and single-node dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 && s.entries[n-1].Sequence >= entry.Sequence {
		return ErrConflict
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) Head(_ context.Context) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *MemoryStore) Range(_ context.Context, from int64, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if e.Sequence < from {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// mutate rewrites a stored entry in place. Only tests reach it.
func (s *MemoryStore) mutate(sequence int64, fn func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Sequence == sequence {
			fn(&s.entries[i])
			return true
		}
	}
	return false
}
