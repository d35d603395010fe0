package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testSecret = []byte("test-shared-secret")

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	a := NewAuthenticator(Options{Now: fixedClock(now)})
	payload := map[string]any{"project": "p1", "score_hint": 3}
	sig, err := Sign(testSecret, payload, "nonce-1", now.Unix())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := a.Verify(testSecret, payload, "nonce-1", now.Unix(), sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyKeyOrderIndependent(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	a := NewAuthenticator(Options{Now: fixedClock(now)})
	sig, err := Sign(testSecret, map[string]any{"a": 1, "b": "x"}, "n", now.Unix())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw := json.RawMessage(`{ "b" : "x", "a" : 1 }`)
	if err := a.Verify(testSecret, raw, "n", now.Unix(), sig); err != nil {
		t.Fatalf("expected canonical payload to verify, got %v", err)
	}
}

func TestVerifyDetectsMutation(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	payload := map[string]any{"text": "hello"}
	sig, err := Sign(testSecret, payload, "nonce-m", now.Unix())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	cases := []struct {
		name    string
		payload any
		nonce   string
		ts      int64
	}{
		{"payload", map[string]any{"text": "hello!"}, "nonce-m", now.Unix()},
		{"nonce", payload, "nonce-n", now.Unix()},
		{"timestamp", payload, "nonce-m", now.Unix() + 1},
	}
	for _, tc := range cases {
		a := NewAuthenticator(Options{Now: fixedClock(now)})
		err := a.Verify(testSecret, tc.payload, tc.nonce, tc.ts, sig)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s mutation: expected invalid signature, got %v", tc.name, err)
		}
	}
}

func TestVerifyRejectsReusedNonce(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	a := NewAuthenticator(Options{Now: fixedClock(now)})
	payload := map[string]any{"k": "v"}
	sig, _ := Sign(testSecret, payload, "once", now.Unix())
	if err := a.Verify(testSecret, payload, "once", now.Unix(), sig); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	err := a.Verify(testSecret, payload, "once", now.Unix(), sig)
	if !errors.Is(err, ErrReusedNonce) {
		t.Fatalf("expected reused nonce, got %v", err)
	}
	if Code(err) != CodeReusedNonce {
		t.Fatalf("unexpected code %q", Code(err))
	}
}

func TestVerifyFreshnessWindow(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	payload := map[string]any{"k": "v"}

	old := now.Add(-301 * time.Second).Unix()
	sig, _ := Sign(testSecret, payload, "stale", old)
	a := NewAuthenticator(Options{Now: fixedClock(now)})
	err := a.Verify(testSecret, payload, "stale", old, sig)
	if !errors.Is(err, ErrExpiredTimestamp) {
		t.Fatalf("expected expired timestamp for 301s, got %v", err)
	}
	if Code(err) != CodeExpiredTimestamp {
		t.Fatalf("unexpected code %q", Code(err))
	}

	recent := now.Add(-299 * time.Second).Unix()
	sig, _ = Sign(testSecret, payload, "fresh", recent)
	if err := a.Verify(testSecret, payload, "fresh", recent, sig); err != nil {
		t.Fatalf("expected 299s old timestamp to pass, got %v", err)
	}

	future := now.Add(301 * time.Second).Unix()
	sig, _ = Sign(testSecret, payload, "future", future)
	if err := a.Verify(testSecret, payload, "future", future, sig); !errors.Is(err, ErrExpiredTimestamp) {
		t.Fatalf("expected future timestamp rejected, got %v", err)
	}
}

func TestExpiredTimestampDoesNotConsumeNonce(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	a := NewAuthenticator(Options{Now: fixedClock(now)})
	payload := map[string]any{"k": "v"}
	old := now.Add(-10 * time.Minute).Unix()
	sig, _ := Sign(testSecret, payload, "n1", old)
	_ = a.Verify(testSecret, payload, "n1", old, sig)

	sig, _ = Sign(testSecret, payload, "n1", now.Unix())
	if err := a.Verify(testSecret, payload, "n1", now.Unix(), sig); err != nil {
		t.Fatalf("nonce should not be consumed by rejected request: %v", err)
	}
}

func TestVerifyMissingMaterial(t *testing.T) {
	a := NewAuthenticator(Options{})
	for _, tc := range []struct {
		nonce string
		ts    int64
		sig   string
	}{
		{"", 1, "c2ln"},
		{"n", 0, "c2ln"},
		{"n", 1, ""},
	} {
		err := a.Verify(testSecret, map[string]any{}, tc.nonce, tc.ts, tc.sig)
		if Code(err) != CodeMissingHeader {
			t.Fatalf("expected missing header for %+v, got %v", tc, err)
		}
	}
}

func TestVerifyRejectsUndecodableSignature(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	a := NewAuthenticator(Options{Now: fixedClock(now)})
	err := a.Verify(testSecret, map[string]any{}, "n", now.Unix(), "!!not-base64!!")
	if Code(err) != CodeInvalidSignature {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestParseTimestamp(t *testing.T) {
	if _, err := ParseTimestamp(""); !errors.Is(err, ErrMissingHeader) {
		t.Fatalf("expected missing header, got %v", err)
	}
	for _, raw := range []string{"abc", "0", "-5", "1.5"} {
		_, err := ParseTimestamp(raw)
		if !errors.Is(err, ErrMissingHeader) || errors.Is(err, ErrExpiredTimestamp) {
			t.Fatalf("expected malformed %q to be reported as missing material, got %v", raw, err)
		}
		if Code(err) != CodeMissingHeader {
			t.Fatalf("unexpected code %q for %q", Code(err), raw)
		}
	}
	ts, err := ParseTimestamp(" 1760000000 ")
	if err != nil || ts != 1_760_000_000 {
		t.Fatalf("unexpected parse result %d %v", ts, err)
	}
}

func TestConcurrentVerifySameNonce(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	a := NewAuthenticator(Options{Now: fixedClock(now)})
	payload := map[string]any{"k": "v"}
	sig, _ := Sign(testSecret, payload, "race", now.Unix())

	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a.Verify(testSecret, payload, "race", now.Unix(), sig) == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("expected exactly one accepted request, got %d", ok)
	}
}

func TestNonceTrackerSweepsExpired(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	clock := now
	tracker := NewNonceTracker(time.Minute, 4, 1000, func() time.Time { return clock })
	for i := 0; i < 3; i++ {
		if !tracker.Consume(fmt.Sprintf("old-%d", i), now) {
			t.Fatalf("expected fresh nonce")
		}
	}
	clock = now.Add(2 * time.Minute)
	tracker.Consume("new", clock)
	if got := tracker.Len(); got != 1 {
		t.Fatalf("expected sweep to leave 1 nonce, got %d", got)
	}
}

func TestNonceTrackerCeilingEvictsToLowWater(t *testing.T) {
	start := time.Unix(1_760_000_000, 0)
	tracker := NewNonceTracker(time.Hour, 1_000_000, 10, func() time.Time { return start })
	for i := 0; i < 10; i++ {
		tracker.Consume(fmt.Sprintf("n-%d", i), start.Add(time.Duration(i)*time.Second))
	}
	if got := tracker.Len(); got != 10 {
		t.Fatalf("expected 10 nonces before the ceiling sweep, got %d", got)
	}
	// Reaching the ceiling evicts the oldest down to 9, then records the new one.
	if !tracker.Consume("n-10", start.Add(10*time.Second)) {
		t.Fatal("expected fresh nonce")
	}
	if got := tracker.Len(); got != 10 {
		t.Fatalf("expected 10 nonces after eviction, got %d", got)
	}
	if tracker.Consume("n-9", start.Add(9*time.Second)) {
		t.Fatal("newest nonces must survive eviction")
	}
	if !tracker.Consume("n-0", start) {
		t.Fatal("oldest nonce should have been evicted")
	}
}
