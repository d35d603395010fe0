// Package agent dispatches ad-hoc requests to a closed set of agent kinds.
package agent

import (
	"context"
	"fmt"
	"strings"
)

type Kind string

const (
	KindJudge   Kind = "judge"
	KindMentor  Kind = "mentor"
	KindSystem  Kind = "system"
	KindDefault Kind = "default"
)

// ParseKind maps a tag to a Kind; unknown tags resolve to KindDefault.
func ParseKind(tag string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(tag))) {
	case KindJudge:
		return KindJudge
	case KindMentor:
		return KindMentor
	case KindSystem:
		return KindSystem
	default:
		return KindDefault
	}
}

type Handler interface {
	Handle(ctx context.Context, payload map[string]any) (map[string]any, error)
}

type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f(ctx, payload)
}

type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry requires a handler for every kind so Dispatch never misses.
func NewRegistry(judge, mentor, system, fallback Handler) (*Registry, error) {
	handlers := map[Kind]Handler{
		KindJudge:   judge,
		KindMentor:  mentor,
		KindSystem:  system,
		KindDefault: fallback,
	}
	for kind, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("agent handler for %q is required", kind)
		}
	}
	return &Registry{handlers: handlers}, nil
}

func (r *Registry) Dispatch(ctx context.Context, tag string, payload map[string]any) (Kind, map[string]any, error) {
	kind := ParseKind(tag)
	if payload == nil {
		payload = map[string]any{}
	}
	out, err := r.handlers[kind].Handle(ctx, payload)
	if err != nil {
		return kind, nil, fmt.Errorf("%s agent: %w", kind, err)
	}
	return kind, out, nil
}
