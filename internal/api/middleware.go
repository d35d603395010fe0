package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/judgeledger/judgeledger/internal/auth"
	"github.com/judgeledger/judgeledger/internal/logging"
	"github.com/judgeledger/judgeledger/internal/protocol"
	"github.com/judgeledger/judgeledger/internal/service"
)

type apiKeyCtxKey struct{}

// APIKeyID returns the id of the key that authorized the request.
func APIKeyID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyCtxKey{}).(string)
	return id, ok
}

func APIKeyMiddleware(keys *auth.APIKeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := keys.Authorize(r.Header.Get(protocol.HeaderAPIKey))
			if err != nil {
				appErr := service.Unauthenticated(err)
				if appErr.Code == auth.CodeMissingHeader {
					appErr.Message = "missing " + protocol.HeaderAPIKey + " header"
				}
				logging.AddField(r.Context(), "error_code", appErr.Code)
				writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
					Code:      appErr.Code,
					Message:   appErr.Message,
					Retryable: false,
				}})
				return
			}
			logging.AddField(r.Context(), "api_key_id", id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtxKey{}, id)))
		})
	}
}

// RateLimiter keeps one token bucket per caller. Idle buckets are dropped
// once they have been unused for longer than idleAfter.
type RateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleAfter time.Duration
	callers   map[string]*caller
	calls     int
	now       func() time.Time
}

type caller struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:     rate.Limit(rps),
		burst:     burst,
		idleAfter: 3 * time.Minute,
		callers:   make(map[string]*caller),
		now:       time.Now,
	}
}

// Allow reports whether key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	rl.calls++
	if rl.calls%1024 == 0 {
		for k, c := range rl.callers {
			if now.Sub(c.lastSeen) > rl.idleAfter {
				delete(rl.callers, k)
			}
		}
	}
	c, ok := rl.callers[key]
	if !ok {
		c = &caller{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.callers[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()
	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := APIKeyID(r.Context())
		if !ok {
			key = "ip:" + remoteHost(r)
		}
		if !rl.Allow(key) {
			appErr := service.RateLimited()
			logging.AddField(r.Context(), "error_code", appErr.Code)
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
			writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
				Code:      appErr.Code,
				Message:   appErr.Message,
				Retryable: appErr.Retryable,
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.limit <= 0 {
		return 60
	}
	secs := int(1/float64(rl.limit) + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func IPAllowListMiddleware(cidrs []string) (func(http.Handler) http.Handler, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, netw, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		nets = append(nets, netw)
	}
	if len(nets) == 0 {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	forbidden := protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:    "FORBIDDEN",
		Message: "source ip not allowed",
	}}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := net.ParseIP(remoteHost(r))
			if ip == nil {
				writeJSON(w, http.StatusForbidden, forbidden)
				return
			}
			for _, n := range nets {
				if n.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusForbidden, forbidden)
		})
	}, nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}
