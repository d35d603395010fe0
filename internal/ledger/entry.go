package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/judgeledger/judgeledger/internal/protocol"
)

// Entry is one immutable audit record. EntryHash covers every other field
// except the signature, which is computed over EntryHash itself.
type Entry struct {
	Sequence     int64           `json:"sequence"`
	Actor        string          `json:"actor"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	Timestamp    time.Time       `json:"timestamp"`
	KeyID        string          `json:"kid"`
	Signature    string          `json:"signature"`
	EntryHash    string          `json:"entry_hash"`
}

func (e Entry) View() protocol.LedgerEntryView {
	return protocol.LedgerEntryView{
		Sequence:     e.Sequence,
		Actor:        e.Actor,
		Event:        e.Event,
		Payload:      e.Payload,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
		Timestamp:    e.Timestamp,
		KeyID:        e.KeyID,
		Signature:    e.Signature,
		EntryHash:    e.EntryHash,
	}
}

// PayloadHash is the hex SHA-256 of the canonical payload.
func PayloadHash(payload json.RawMessage) (string, error) {
	h, err := protocol.HashCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}
	return h, nil
}

// ComputeEntryHash hashes the ordered tuple
// [previous_hash, timestamp, actor, event, payload_hash].
func ComputeEntryHash(previousHash string, ts time.Time, actor, event, payloadHash string) (string, error) {
	tuple := []string{
		previousHash,
		ts.UTC().Format(time.RFC3339Nano),
		actor,
		event,
		payloadHash,
	}
	h, err := protocol.HashCanonical(tuple)
	if err != nil {
		return "", fmt.Errorf("hash entry: %w", err)
	}
	return h, nil
}

// normalizeTime drops precision the durable store cannot keep so the hash
// computed at append time survives a round trip.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
