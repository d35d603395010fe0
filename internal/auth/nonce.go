package auth

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultNonceSweepEvery = 512
	defaultNonceMaxEntries = 200_000
)

// NonceTracker remembers consumed nonces for ttl. Expired entries are swept
// every sweepEvery calls or when the set reaches maxEntries. A sweep that
// leaves the set at the ceiling evicts the oldest nonces down to 90% of it,
// so the ceiling check does not fire again on the next call.
type NonceTracker struct {
	mu         sync.Mutex
	seen       map[string]time.Time
	ttl        time.Duration
	sweepEvery int
	maxEntries int
	calls      int
	now        func() time.Time
}

func NewNonceTracker(ttl time.Duration, sweepEvery, maxEntries int, now func() time.Time) *NonceTracker {
	if sweepEvery <= 0 {
		sweepEvery = defaultNonceSweepEvery
	}
	if maxEntries <= 0 {
		maxEntries = defaultNonceMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &NonceTracker{
		seen:       make(map[string]time.Time),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		maxEntries: maxEntries,
		now:        now,
	}
}

// Consume records nonce and reports whether it was unused. Lookup and insert
// happen under one lock.
func (n *NonceTracker) Consume(nonce string, issuedAt time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls++
	if n.calls >= n.sweepEvery || len(n.seen) >= n.maxEntries {
		n.sweepLocked()
		n.calls = 0
	}
	if _, ok := n.seen[nonce]; ok {
		return false
	}
	n.seen[nonce] = issuedAt
	return true
}

func (n *NonceTracker) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

func (n *NonceTracker) sweepLocked() {
	cutoff := n.now().Add(-n.ttl)
	for k, issued := range n.seen {
		if issued.Before(cutoff) {
			delete(n.seen, k)
		}
	}
	if len(n.seen) < n.maxEntries {
		return
	}
	type aged struct {
		nonce  string
		issued time.Time
	}
	all := make([]aged, 0, len(n.seen))
	for k, issued := range n.seen {
		all = append(all, aged{nonce: k, issued: issued})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].issued.Before(all[j].issued) })
	keep := n.maxEntries - n.maxEntries/10
	for _, a := range all[:len(all)-keep] {
		delete(n.seen, a.nonce)
	}
}
