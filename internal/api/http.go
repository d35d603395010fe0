package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/judgeledger/judgeledger/internal/agent"
	"github.com/judgeledger/judgeledger/internal/auth"
	"github.com/judgeledger/judgeledger/internal/logging"
	"github.com/judgeledger/judgeledger/internal/protocol"
	"github.com/judgeledger/judgeledger/internal/service"
)

type Handler struct {
	service      *service.SubmissionService
	agents       *agent.Registry
	apiKeys      *auth.APIKeySet
	limiter      *RateLimiter
	maxBodyBytes int64
	logger       *slog.Logger
}

type HandlerOptions struct {
	Service *service.SubmissionService
	Agents  *agent.Registry
	// APIKeys guards every /v1 route when set.
	APIKeys *auth.APIKeySet
	// Limiter throttles /v1 routes per API key, or per source IP when API
	// keys are disabled.
	Limiter      *RateLimiter
	MaxBodyBytes int64
	Logger       *slog.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 2 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:      opts.Service,
		agents:       opts.Agents,
		apiKeys:      opts.APIKeys,
		limiter:      opts.Limiter,
		maxBodyBytes: opts.MaxBodyBytes,
		logger:       opts.Logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealth)
	r.Route("/v1", func(v1 chi.Router) {
		if h.apiKeys != nil {
			v1.Use(APIKeyMiddleware(h.apiKeys))
		}
		if h.limiter != nil {
			v1.Use(h.limiter.Middleware)
		}
		v1.Post("/submissions", h.handleSubmit)
		v1.Get("/ledger/entries", h.handleLedgerEntries)
		v1.Get("/ledger/verify", h.handleLedgerVerify)
		if h.agents != nil {
			v1.Post("/agents/{kind}", h.handleAgent)
		}
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, service.NewAppError(http.StatusNotFound, service.CodeNotFound, "route not found", false, nil))
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Health(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "ledger_head_sequence", resp.LedgerHeadSeq)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "submit")
	body, err := readBody(r, h.maxBodyBytes)
	if err != nil {
		h.writeError(w, r, service.Validation(err.Error(), err))
		return
	}
	rec, err := h.service.Submit(r.Context(), service.Envelope{
		Body:      body,
		Nonce:     r.Header.Get(protocol.HeaderNonce),
		Timestamp: r.Header.Get(protocol.HeaderTimestamp),
		Signature: r.Header.Get(protocol.HeaderSignature),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "transaction_id", rec.TransactionID)
	logging.AddField(r.Context(), "tenant_id", rec.TenantID)
	logging.AddField(r.Context(), "event_id", rec.EventID)
	logging.AddField(r.Context(), "tx_status", rec.Status)
	logging.AddField(r.Context(), "outcome", rec.Outcome)
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleLedgerEntries(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "ledger_entries")
	from, err := queryInt(r, "from", 1)
	if err != nil {
		h.writeError(w, r, service.Validation(err.Error(), err))
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.writeError(w, r, service.Validation(err.Error(), err))
		return
	}
	resp, err := h.service.LedgerEntries(r.Context(), from, int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "entries", len(resp.Entries))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "ledger_verify")
	resp, err := h.service.VerifyLedger(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "verify_status", resp.Status)
	logging.AddField(r.Context(), "issues", len(resp.Issues))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAgent(w http.ResponseWriter, r *http.Request) {
	logging.AddField(r.Context(), "op", "agent")
	var payload map[string]any
	if err := decodeJSON(r, h.maxBodyBytes, &payload); err != nil {
		h.writeError(w, r, service.Validation(err.Error(), err))
		return
	}
	kind, out, err := h.agents.Dispatch(r.Context(), chi.URLParam(r, "kind"), payload)
	logging.AddField(r.Context(), "agent", string(kind))
	if err != nil {
		if errors.Is(err, agent.ErrMissingText) {
			h.writeError(w, r, service.Validation(err.Error(), err))
			return
		}
		h.writeError(w, r, service.Internal("agent dispatch failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": kind, "result": out})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		if appErr.HTTPStatus >= 500 && appErr.Cause != nil {
			h.logger.Error("request_failed", "request_id", logging.RequestID(r.Context()), "code", appErr.Code, "error", appErr.Cause.Error())
		}
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", service.CodeInternalError)
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      service.CodeInternalError,
		Message:   "internal server error",
		Retryable: true,
	}})
}

// readBody keeps the raw bytes; the signature is checked against them
// before anything is decoded.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(buf)) > limit {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return buf, nil
}

func decodeJSON(r *http.Request, limit int64, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("query parameter %s must be a non-negative integer", name)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
