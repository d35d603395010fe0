// Package judge reaches the opaque scoring functions that evaluate a
// submission and folds their answers into a consensus result.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/judgeledger/judgeledger/internal/consensus"
	"github.com/judgeledger/judgeledger/internal/retry"
)

type Evaluator interface {
	ID() string
	Evaluate(ctx context.Context, text string) (consensus.Evaluation, error)
}

type evaluateRequest struct {
	EvaluatorID string `json:"evaluator_id"`
	Text        string `json:"text"`
}

type evaluateResponse struct {
	Scores     map[string]float64 `json:"scores"`
	Confidence *float64           `json:"confidence,omitempty"`
	Rationale  string             `json:"rationale,omitempty"`
}

// HTTPEvaluator posts the submission text to a scoring endpoint.
type HTTPEvaluator struct {
	id     string
	url    string
	token  string
	client *http.Client
}

func NewHTTPEvaluator(id, url, token string, timeout time.Duration) (*HTTPEvaluator, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("evaluator id is required")
	}
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("evaluator %s: url is required", id)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEvaluator{id: id, url: url, token: token, client: &http.Client{Timeout: timeout}}, nil
}

func (e *HTTPEvaluator) ID() string { return e.id }

func (e *HTTPEvaluator) Evaluate(ctx context.Context, text string) (consensus.Evaluation, error) {
	raw, err := json.Marshal(evaluateRequest{EvaluatorID: e.id, Text: text})
	if err != nil {
		return consensus.Evaluation{}, retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(raw))
	if err != nil {
		return consensus.Evaluation{}, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return consensus.Evaluation{}, fmt.Errorf("evaluator %s: %w", e.id, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return consensus.Evaluation{}, fmt.Errorf("evaluator %s: read body: %w", e.id, err)
	}
	if err := retry.CheckStatus(resp.StatusCode, body); err != nil {
		return consensus.Evaluation{}, fmt.Errorf("evaluator %s: %w", e.id, err)
	}
	var out evaluateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return consensus.Evaluation{}, retry.Permanent(fmt.Errorf("evaluator %s: decode response: %w", e.id, err))
	}
	if len(out.Scores) == 0 {
		return consensus.Evaluation{}, retry.Permanent(fmt.Errorf("evaluator %s: response carried no scores", e.id))
	}
	return consensus.Evaluation{
		EvaluatorID: e.id,
		Scores:      out.Scores,
		Confidence:  out.Confidence,
		Rationale:   out.Rationale,
	}, nil
}

// StaticEvaluator returns fixed scores. It backs local runs without a
// scoring service.
type StaticEvaluator struct {
	EvaluatorID string
	Scores      map[string]float64
	Confidence  *float64
}

func (s StaticEvaluator) ID() string { return s.EvaluatorID }

func (s StaticEvaluator) Evaluate(ctx context.Context, _ string) (consensus.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return consensus.Evaluation{}, err
	}
	scores := make(map[string]float64, len(s.Scores))
	for k, v := range s.Scores {
		scores[k] = v
	}
	return consensus.Evaluation{EvaluatorID: s.EvaluatorID, Scores: scores, Confidence: s.Confidence, Rationale: "static"}, nil
}
