// Package replay rejects requests whose (tenant, event, request id) was
// already seen inside a TTL window.
package replay

import (
	"context"
	"strings"
	"time"

	"github.com/judgeledger/judgeledger/internal/protocol"
)

const (
	DefaultTTL = time.Hour

	ReasonDuplicate   = "duplicate request within ttl"
	ReasonNoRequestID = "no request id supplied"
)

// Key scopes a request id. The same request id under a different tenant or
// event is a different key.
type Key struct {
	TenantID  string
	EventID   string
	RequestID string
}

func (k Key) normalized() Key {
	k.TenantID = strings.TrimSpace(k.TenantID)
	k.EventID = strings.TrimSpace(k.EventID)
	k.RequestID = strings.TrimSpace(k.RequestID)
	if k.TenantID == "" {
		k.TenantID = protocol.DefaultTenantID
	}
	if k.EventID == "" {
		k.EventID = protocol.DefaultEventID
	}
	return k
}

type Decision struct {
	IsNew  bool
	Reason string
}

// Store performs an atomic check-and-record for one key.
type Store interface {
	CheckAndStore(ctx context.Context, key Key, now time.Time) (bool, error)
}

type Guard struct {
	store Store
	now   func() time.Time
}

func NewGuard(store Store, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{store: store, now: now}
}

// CheckAndStore reports whether the request is new. An empty request id means
// the caller did not ask for protection and is always new.
func (g *Guard) CheckAndStore(ctx context.Context, tenantID, eventID, requestID string) (Decision, error) {
	key := Key{TenantID: tenantID, EventID: eventID, RequestID: requestID}.normalized()
	if key.RequestID == "" {
		return Decision{IsNew: true, Reason: ReasonNoRequestID}, nil
	}
	isNew, err := g.store.CheckAndStore(ctx, key, g.now())
	if err != nil {
		return Decision{}, err
	}
	if !isNew {
		return Decision{IsNew: false, Reason: ReasonDuplicate}, nil
	}
	return Decision{IsNew: true}, nil
}
