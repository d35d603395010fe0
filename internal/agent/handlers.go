package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/judgeledger/judgeledger/internal/consensus"
	"github.com/judgeledger/judgeledger/internal/judge"
	"github.com/judgeledger/judgeledger/internal/ledger"
)

var ErrMissingText = errors.New("payload.text is required")

type Judge interface {
	Judge(ctx context.Context, text string) (judge.Verdict, error)
}

// JudgeAgent scores free text without recording anything in the ledger.
func JudgeAgent(j Judge) Handler {
	return HandlerFunc(func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		text, _ := payload["text"].(string)
		if text == "" {
			return nil, ErrMissingText
		}
		v, err := j.Judge(ctx, text)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"overall_score": v.Consensus.OverallScore,
			"confidence":    v.Consensus.Confidence,
			"criteria":      v.Consensus.Criteria,
			"flags":         v.Consensus.Flags,
		}, nil
	})
}

type Hint struct {
	Criterion string  `json:"criterion"`
	Score     float64 `json:"score"`
	Gap       float64 `json:"gap"`
	Advice    string  `json:"advice"`
}

// MentorAgent turns criterion scores into improvement hints, weakest first.
func MentorAgent(maxScore float64) Handler {
	if maxScore <= 0 {
		maxScore = consensus.DefaultMaxScore
	}
	return HandlerFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		raw, ok := payload["scores"].(map[string]any)
		if !ok || len(raw) == 0 {
			return nil, errors.New("payload.scores is required")
		}
		hints := make([]Hint, 0, len(raw))
		for criterion, v := range raw {
			score, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("score for %q is not a number", criterion)
			}
			h := Hint{Criterion: criterion, Score: score, Gap: maxScore - score}
			switch ratio := score / maxScore; {
			case ratio >= 0.7:
				h.Advice = "keep: " + criterion + " is a strength"
			case ratio >= 0.5:
				h.Advice = "refine: tighten " + criterion + " before the next round"
			default:
				h.Advice = "focus: " + criterion + " needs the most work"
			}
			hints = append(hints, h)
		}
		sort.Slice(hints, func(i, j int) bool {
			if hints[i].Score == hints[j].Score {
				return hints[i].Criterion < hints[j].Criterion
			}
			return hints[i].Score < hints[j].Score
		})
		return map[string]any{"hints": hints}, nil
	})
}

type LedgerHead interface {
	Head(ctx context.Context) (ledger.Entry, bool, error)
}

func SystemAgent(head LedgerHead, service, version string) Handler {
	return HandlerFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		out := map[string]any{"service": service, "version": version, "time": time.Now().UTC()}
		e, found, err := head.Head(ctx)
		if err != nil {
			return nil, err
		}
		if found {
			out["ledger_head_sequence"] = e.Sequence
			out["ledger_head_hash"] = e.EntryHash
		}
		return out, nil
	})
}

func DefaultAgent() Handler {
	return HandlerFunc(func(_ context.Context, payload map[string]any) (map[string]any, error) {
		keys := make([]string, 0, len(payload))
		for k := range payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return map[string]any{"status": "received", "fields": keys}, nil
	})
}
