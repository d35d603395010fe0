// Package auth verifies signed submission requests and API keys.
//
// A request signature is HMAC-SHA256 over one message binding all three
// signed fields:
//
//	canonical_json(payload) + ":" + nonce + ":" + decimal(timestamp)
//
// canonical_json is RFC 8785. No other signing scheme is accepted.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/judgeledger/judgeledger/internal/protocol"
)

const DefaultMaxSkew = 300 * time.Second

type Authenticator struct {
	maxSkew time.Duration
	nonces  *NonceTracker
	now     func() time.Time
}

type Options struct {
	MaxSkew time.Duration
	// NonceSweepEvery and NonceMaxEntries bound the nonce tracker.
	NonceSweepEvery int
	NonceMaxEntries int
	Now             func() time.Time
}

func NewAuthenticator(opts Options) *Authenticator {
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authenticator{
		maxSkew: opts.MaxSkew,
		// A nonce only needs remembering while its timestamp could still pass
		// the freshness check.
		nonces: NewNonceTracker(2*opts.MaxSkew, opts.NonceSweepEvery, opts.NonceMaxEntries, opts.Now),
		now:    opts.Now,
	}
}

// Message builds the exact byte string that is signed.
func Message(payload any, nonce string, timestamp int64) ([]byte, error) {
	canonical, err := protocol.CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	msg := make([]byte, 0, len(canonical)+len(nonce)+24)
	msg = append(msg, canonical...)
	msg = append(msg, ':')
	msg = append(msg, nonce...)
	msg = append(msg, ':')
	msg = strconv.AppendInt(msg, timestamp, 10)
	return msg, nil
}

// Sign returns the base64 signature a client must send in X-Signature.
func Sign(secret []byte, payload any, nonce string, timestamp int64) (string, error) {
	msg, err := Message(payload, nonce, timestamp)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(msg)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks presence, freshness, signature and nonce uniqueness, in that
// order. The nonce is consumed only when everything else passed.
func (a *Authenticator) Verify(secret []byte, payload any, nonce string, timestamp int64, signature string) error {
	nonce = strings.TrimSpace(nonce)
	signature = strings.TrimSpace(signature)
	if nonce == "" || signature == "" || timestamp == 0 {
		return ErrMissingHeader
	}
	now := a.now()
	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return fmt.Errorf("%w: skew %s", ErrExpiredTimestamp, skew.Truncate(time.Second))
	}
	provided, err := decodeSignature(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	msg, err := Message(payload, nonce, timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(msg)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrInvalidSignature
	}
	if !a.nonces.Consume(nonce, time.Unix(timestamp, 0)) {
		return ErrReusedNonce
	}
	return nil
}

// Valid is the boolean form of Verify.
func (a *Authenticator) Valid(secret []byte, payload any, nonce string, timestamp int64, signature string) bool {
	return a.Verify(secret, payload, nonce, timestamp, signature) == nil
}

// ParseTimestamp parses the X-Timestamp header (unix seconds).
func ParseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrMissingHeader
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ts <= 0 {
		return 0, fmt.Errorf("%w: malformed timestamp %q", ErrMissingHeader, raw)
	}
	return ts, nil
}

func decodeSignature(sig string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(sig); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(sig)
}
