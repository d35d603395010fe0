package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	HeaderRequestID = "X-Request-ID"

	maxRequestIDLen = 64
)

// Environment is stamped onto every request event.
type Environment struct {
	Service  string
	Version  string
	Commit   string
	Region   string
	Instance string
}

type ctxKey struct{}

// RequestFields accumulates fields handlers attach to the one event logged
// per request.
type RequestFields struct {
	mu        sync.Mutex
	requestID string
	fields    map[string]any
}

// NewJSONLoggerTo writes JSON records to w at the named level. Unknown level
// names fall back to info.
func NewJSONLoggerTo(w io.Writer, level string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Alert logs an operational alert at error level with alert=true. Inside a
// request it also carries the request id and marks the request event.
func Alert(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, len(args)+4)
	attrs = append(attrs, "alert", true)
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
		AddField(ctx, "alert", msg)
	}
	logger.ErrorContext(ctx, msg, append(attrs, args...)...)
}

// RequestID returns the id of the request ctx belongs to, or "" outside one.
func RequestID(ctx context.Context) string {
	if fields := requestFields(ctx); fields != nil {
		return fields.requestID
	}
	return ""
}

func AddField(ctx context.Context, key string, value any) {
	fields := requestFields(ctx)
	if fields == nil {
		return
	}
	fields.mu.Lock()
	defer fields.mu.Unlock()
	fields.fields[key] = value
}

func requestFields(ctx context.Context) *RequestFields {
	fields, _ := ctx.Value(ctxKey{}).(*RequestFields)
	return fields
}

// Middleware logs exactly one http_request event per request, after the
// handler returns. 5xx responses and recovered panics log at error level.
func Middleware(logger *slog.Logger, env Environment) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := inboundRequestID(r.Header.Get(HeaderRequestID))
			w.Header().Set(HeaderRequestID, reqID)
			fields := &RequestFields{requestID: reqID, fields: map[string]any{}}
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, fields))

			ww := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			panicVal := serveRecovering(ww, r, next)

			event := env.requestEvent(r, reqID, ww)
			event["duration_ms"] = time.Since(start).Milliseconds()
			for k, v := range fields.snapshot() {
				event[k] = v
			}
			level := slog.LevelInfo
			if ww.statusCode >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "http_request", slog.Any("event", event))

			if panicVal != nil {
				panic(panicVal)
			}
		})
	}
}

func serveRecovering(ww *statusWriter, r *http.Request, next http.Handler) (panicVal any) {
	defer func() {
		if recovered := recover(); recovered != nil {
			panicVal = recovered
			ww.statusCode = http.StatusInternalServerError
			http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			AddField(r.Context(), "panic", true)
			AddField(r.Context(), "stack", string(debug.Stack()))
		}
	}()
	next.ServeHTTP(ww, r)
	return nil
}

func (env Environment) requestEvent(r *http.Request, reqID string, ww *statusWriter) map[string]any {
	return map[string]any{
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		"service":       env.Service,
		"version":       env.Version,
		"commit":        env.Commit,
		"region":        env.Region,
		"instance":      env.Instance,
		"request_id":    reqID,
		"method":        r.Method,
		"path":          r.URL.Path,
		"remote_addr":   r.RemoteAddr,
		"user_agent":    r.UserAgent(),
		"status_code":   ww.statusCode,
		"result":        resultFor(ww.statusCode),
		"response_size": ww.bytes,
	}
}

// resultFor classifies the HTTP exchange. Handlers record the transaction
// outcome separately under "outcome".
func resultFor(status int) string {
	switch {
	case status >= http.StatusInternalServerError:
		return "error"
	case status >= http.StatusBadRequest:
		return "rejected"
	default:
		return "ok"
	}
}

// inboundRequestID keeps a caller supplied id only when it is short and made
// of token characters.
func inboundRequestID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxRequestIDLen {
		return randomRequestID()
	}
	for _, c := range raw {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return randomRequestID()
		}
	}
	return raw
}

func (f *RequestFields) snapshot() map[string]any {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any, len(f.fields))
	for k, v := range f.fields {
		out[k] = v
	}
	return out
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "req_unknown"
	}
	return "req_" + hex.EncodeToString(buf)
}
