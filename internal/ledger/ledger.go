// Package ledger implements the append-only, hash-chained and signed
// provenance ledger along with its integrity verifier.
package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	machinecrypto "github.com/judgeledger/judgeledger/internal/crypto"
	"github.com/judgeledger/judgeledger/internal/protocol"
)

var (
	ErrOutOfOrder = errors.New("ledger entry out of order")
	// ErrConflict means another writer already extended the stored tail. It
	// wraps ErrOutOfOrder.
	ErrConflict     = fmt.Errorf("%w: stored tail moved", ErrOutOfOrder)
	ErrInvalidInput = errors.New("invalid ledger input")
)

const verifyPageSize = 500

type Ledger struct {
	mu      sync.Mutex
	store   Store
	signer  *machinecrypto.Signer
	keyring *machinecrypto.Keyring
	now     func() time.Time
	logger  *slog.Logger

	tail   Entry
	loaded bool
}

type Options struct {
	Store  Store
	Signer *machinecrypto.Signer
	// TrustedKeys are extra public keys accepted by VerifyChain, for entries
	// signed before a key rotation.
	TrustedKeys []ed25519.PublicKey
	Now         func() time.Time
	Logger      *slog.Logger
}

func New(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger store is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("ledger signer is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	keyring := machinecrypto.NewKeyring(opts.TrustedKeys...)
	keyring.Add(opts.Signer.Public)
	return &Ledger{
		store:   opts.Store,
		signer:  opts.Signer,
		keyring: keyring,
		now:     opts.Now,
		logger:  opts.Logger,
	}, nil
}

// Append links, signs and stores a new entry. Appends are serialized so the
// order of previous_hash resolution equals the store order.
func (l *Ledger) Append(ctx context.Context, actor, event string, payload any) (Entry, error) {
	actor = strings.TrimSpace(actor)
	event = strings.TrimSpace(event)
	if actor == "" || event == "" {
		return Entry{}, fmt.Errorf("%w: actor and event are required", ErrInvalidInput)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	canonical, err := protocol.CanonicalJSON(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	payloadHash := protocol.SHA256Hex(canonical)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadTailLocked(ctx); err != nil {
		return Entry{}, err
	}
	entry, err := l.appendLocked(ctx, actor, event, canonical, payloadHash)
	if errors.Is(err, ErrConflict) {
		// Another process sharing the store wrote first; relink on its head.
		l.logger.Warn("ledger_tail_conflict", "sequence", l.tail.Sequence+1, "error", err.Error())
		l.loaded = false
		if err := l.loadTailLocked(ctx); err != nil {
			return Entry{}, err
		}
		entry, err = l.appendLocked(ctx, actor, event, canonical, payloadHash)
	}
	if err != nil {
		return Entry{}, err
	}
	l.tail = entry
	return entry, nil
}

func (l *Ledger) appendLocked(ctx context.Context, actor, event string, canonical []byte, payloadHash string) (Entry, error) {
	prev := protocol.GenesisHash
	seq := int64(1)
	if l.tail.Sequence > 0 {
		prev = l.tail.EntryHash
		seq = l.tail.Sequence + 1
	}
	ts := normalizeTime(l.now())
	if !l.tail.Timestamp.IsZero() && ts.Before(l.tail.Timestamp) {
		ts = l.tail.Timestamp
	}
	entryHash, err := ComputeEntryHash(prev, ts, actor, event, payloadHash)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		Sequence:     seq,
		Actor:        actor,
		Event:        event,
		Payload:      json.RawMessage(canonical),
		PayloadHash:  payloadHash,
		PreviousHash: prev,
		Timestamp:    ts,
		KeyID:        l.signer.KeyID,
		Signature:    l.signer.SignEntry(entryHash),
		EntryHash:    entryHash,
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append ledger entry %d: %w", seq, err)
	}
	return entry, nil
}

func (l *Ledger) loadTailLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	head, found, err := l.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("load ledger head: %w", err)
	}
	if found {
		l.tail = head
	}
	l.loaded = true
	return nil
}

// Head returns the most recent entry as seen by this process.
func (l *Ledger) Head(ctx context.Context) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadTailLocked(ctx); err != nil {
		return Entry{}, false, err
	}
	return l.tail, l.tail.Sequence > 0, nil
}

func (l *Ledger) Entries(ctx context.Context, from int64, limit int) ([]Entry, error) {
	if from < 1 {
		from = 1
	}
	return l.store.Range(ctx, from, limit)
}

// KeyID identifies the key new entries are signed with.
func (l *Ledger) KeyID() string { return l.signer.KeyID }
