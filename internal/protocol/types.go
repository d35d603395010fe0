package protocol

import (
	"encoding/json"
	"time"
)

// Request headers carried by every protected call.
const (
	HeaderNonce     = "X-Nonce"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderAPIKey    = "X-API-Key"
)

const (
	DefaultTenantID = "default"
	DefaultEventID  = "default_event"
)

// SubmissionRequest is the body of POST /v1/submissions. Content is the
// signed payload; the other fields scope replay protection.
type SubmissionRequest struct {
	TenantID  string          `json:"tenant_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	TeamID    string          `json:"team_id"`
	Content   json.RawMessage `json:"content"`
}

type LedgerEntryView struct {
	Sequence     int64           `json:"sequence"`
	Actor        string          `json:"actor"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	Timestamp    time.Time       `json:"timestamp"`
	KeyID        string          `json:"kid"`
	Signature    string          `json:"signature"`
	EntryHash    string          `json:"entry_hash"`
}

type LedgerEntriesResponse struct {
	Entries []LedgerEntryView `json:"entries"`
	Next    int64             `json:"next,omitempty"`
}

type IntegrityIssueView struct {
	Index  int64  `json:"index"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

type ChainVerifyResponse struct {
	Status         string               `json:"status"`
	EntriesChecked int64                `json:"entries_checked"`
	CheckpointRoot string               `json:"checkpoint_root,omitempty"`
	Issues         []IntegrityIssueView `json:"issues"`
	CheckedAt      time.Time            `json:"checked_at"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type HealthResponse struct {
	Service       string    `json:"service"`
	Version       string    `json:"version"`
	Status        string    `json:"status"`
	LedgerHeadSeq int64     `json:"ledger_head_sequence"`
	LedgerHead    string    `json:"ledger_head_hash,omitempty"`
	Time          time.Time `json:"time"`
}
