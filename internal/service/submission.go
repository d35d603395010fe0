package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/judgeledger/judgeledger/internal/auth"
	"github.com/judgeledger/judgeledger/internal/ledger"
	"github.com/judgeledger/judgeledger/internal/logging"
	"github.com/judgeledger/judgeledger/internal/orchestrator"
	"github.com/judgeledger/judgeledger/internal/protocol"
	"github.com/judgeledger/judgeledger/internal/replay"
)

const maxEntriesPage = 500

type Runner interface {
	Run(ctx context.Context, sub orchestrator.Submission) orchestrator.Record
}

// Envelope is a submission body together with its signature headers.
type Envelope struct {
	Body      []byte
	Nonce     string
	Timestamp string
	Signature string
}

type SubmissionService struct {
	authenticator     *auth.Authenticator
	secret            []byte
	enforceSignatures bool
	guard             *replay.Guard
	contentAddressed  bool
	pipeline          Runner
	ledger            *ledger.Ledger
	logger            *slog.Logger
	service           string
	version           string
	now               func() time.Time
}

type SubmissionParams struct {
	Authenticator     *auth.Authenticator
	Secret            []byte
	EnforceSignatures bool
	Guard             *replay.Guard
	ContentAddressed  bool
	Pipeline          Runner
	Ledger            *ledger.Ledger
	Logger            *slog.Logger
	Service           string
	Version           string
}

func NewSubmissionService(params SubmissionParams) (*SubmissionService, error) {
	if params.Guard == nil {
		return nil, fmt.Errorf("replay guard is required")
	}
	if params.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if params.EnforceSignatures {
		if params.Authenticator == nil {
			return nil, fmt.Errorf("authenticator is required when signatures are enforced")
		}
		if len(params.Secret) == 0 {
			return nil, fmt.Errorf("hmac secret is required when signatures are enforced")
		}
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.Service == "" {
		params.Service = "judgeledger"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	return &SubmissionService{
		authenticator:     params.Authenticator,
		secret:            params.Secret,
		enforceSignatures: params.EnforceSignatures,
		guard:             params.Guard,
		contentAddressed:  params.ContentAddressed,
		pipeline:          params.Pipeline,
		ledger:            params.Ledger,
		logger:            params.Logger,
		service:           params.Service,
		version:           params.Version,
		now:               time.Now,
	}, nil
}

// Submit authenticates, deduplicates and runs one submission. Rejected
// requests never reach the pipeline and never touch the ledger.
func (s *SubmissionService) Submit(ctx context.Context, env Envelope) (orchestrator.Record, error) {
	if len(bytes.TrimSpace(env.Body)) == 0 {
		return orchestrator.Record{}, Validation("request body is required", nil)
	}
	if s.enforceSignatures {
		ts, err := auth.ParseTimestamp(env.Timestamp)
		if err != nil {
			return orchestrator.Record{}, Unauthenticated(err)
		}
		if err := s.authenticator.Verify(s.secret, json.RawMessage(env.Body), env.Nonce, ts, env.Signature); err != nil {
			return orchestrator.Record{}, Unauthenticated(err)
		}
	}

	req, err := decodeSubmission(env.Body)
	if err != nil {
		return orchestrator.Record{}, Validation(err.Error(), err)
	}
	if req.TenantID == "" {
		req.TenantID = protocol.DefaultTenantID
	}
	if req.EventID == "" {
		req.EventID = protocol.DefaultEventID
	}
	if req.RequestID == "" && s.contentAddressed {
		h, err := protocol.HashCanonical(req.Content)
		if err != nil {
			return orchestrator.Record{}, Validation("content is not valid json", err)
		}
		req.RequestID = "sha256:" + h
	}

	decision, err := s.guard.CheckAndStore(ctx, req.TenantID, req.EventID, req.RequestID)
	if err != nil {
		return orchestrator.Record{}, Internal("check replay guard", err)
	}
	if !decision.IsNew {
		s.logger.Warn("replay_rejected",
			"tenant_id", req.TenantID,
			"event_id", req.EventID,
			"request_id", req.RequestID,
		)
		return orchestrator.Record{}, ReplayDetected(decision.Reason)
	}

	rec := s.pipeline.Run(ctx, orchestrator.Submission{
		TenantID:  req.TenantID,
		EventID:   req.EventID,
		RequestID: req.RequestID,
		TeamID:    req.TeamID,
		Content:   req.Content,
	})
	return rec, nil
}

func decodeSubmission(body []byte) (protocol.SubmissionRequest, error) {
	var req protocol.SubmissionRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("decode submission: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return req, errors.New("request body must contain a single JSON object")
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.EventID = strings.TrimSpace(req.EventID)
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.TeamID = strings.TrimSpace(req.TeamID)
	if req.TeamID == "" {
		return req, errors.New("team_id is required")
	}
	trimmed := bytes.TrimSpace(req.Content)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return req, errors.New("content must be a JSON object")
	}
	return req, nil
}

func (s *SubmissionService) Health(ctx context.Context) (protocol.HealthResponse, error) {
	head, found, err := s.ledger.Head(ctx)
	if err != nil {
		return protocol.HealthResponse{}, Internal("read ledger head", err)
	}
	resp := protocol.HealthResponse{
		Service: s.service,
		Version: s.version,
		Status:  "ok",
		Time:    s.now().UTC(),
	}
	if found {
		resp.LedgerHeadSeq = head.Sequence
		resp.LedgerHead = head.EntryHash
	}
	return resp, nil
}

func (s *SubmissionService) LedgerEntries(ctx context.Context, from int64, limit int) (protocol.LedgerEntriesResponse, error) {
	if limit <= 0 || limit > maxEntriesPage {
		limit = maxEntriesPage
	}
	entries, err := s.ledger.Entries(ctx, from, limit)
	if err != nil {
		return protocol.LedgerEntriesResponse{}, Internal("read ledger entries", err)
	}
	resp := protocol.LedgerEntriesResponse{Entries: make([]protocol.LedgerEntryView, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, e.View())
	}
	if len(entries) == limit {
		resp.Next = entries[len(entries)-1].Sequence + 1
	}
	return resp, nil
}

// VerifyLedger runs the chain verifier. Violations are an operational alert,
// not a request error.
func (s *SubmissionService) VerifyLedger(ctx context.Context) (protocol.ChainVerifyResponse, error) {
	report, err := s.ledger.Verify(ctx)
	if err != nil {
		return protocol.ChainVerifyResponse{}, Internal("verify ledger", err)
	}
	return ChainReport(ctx, report, s.now().UTC(), s.logger), nil
}

// ChainReport renders a verification report and raises the integrity alert.
func ChainReport(ctx context.Context, report ledger.Report, checkedAt time.Time, logger *slog.Logger) protocol.ChainVerifyResponse {
	resp := protocol.ChainVerifyResponse{
		Status:         "ok",
		EntriesChecked: report.EntriesChecked,
		CheckpointRoot: report.Checkpoint.Root,
		Issues:         make([]protocol.IntegrityIssueView, 0, len(report.Issues)),
		CheckedAt:      checkedAt,
	}
	for _, issue := range report.Issues {
		resp.Issues = append(resp.Issues, issue.View())
	}
	if !report.OK() {
		resp.Status = "integrity_violation"
		logging.Alert(ctx, logger, "ledger_integrity_violation",
			"issues", len(report.Issues),
			"first_index", report.Issues[0].Index,
			"first_kind", report.Issues[0].Kind,
		)
	}
	return resp
}
