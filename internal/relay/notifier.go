// Package relay delivers pipeline results to outbound collaborators: the
// outcome webhook and the archival bucket.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/judgeledger/judgeledger/internal/retry"
)

// Outcome is what the reward step announces for a judged submission.
type Outcome struct {
	TransactionID string    `json:"transaction_id"`
	TenantID      string    `json:"tenant_id"`
	EventID       string    `json:"event_id"`
	TeamID        string    `json:"team_id"`
	Outcome       string    `json:"outcome"`
	OverallScore  float64   `json:"overall_score"`
	Confidence    float64   `json:"confidence"`
	DecidedAt     time.Time `json:"decided_at"`
}

type Notifier interface {
	Notify(ctx context.Context, outcome Outcome) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Outcome) error { return nil }

type HTTPNotifier struct {
	url    string
	token  string
	client *http.Client
	policy retry.Policy
}

func NewHTTPNotifier(url, token string, policy retry.Policy) *HTTPNotifier {
	return &HTTPNotifier{
		url:    strings.TrimSpace(url),
		token:  token,
		client: &http.Client{},
		policy: policy,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, outcome Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return retry.Do(ctx, n.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", outcome.TransactionID)
		if n.token != "" {
			req.Header.Set("Authorization", "Bearer "+n.token)
		}
		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("notify outcome: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return retry.CheckStatus(resp.StatusCode, body)
	})
}
