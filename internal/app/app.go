package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/judgeledger/judgeledger/internal/agent"
	"github.com/judgeledger/judgeledger/internal/api"
	"github.com/judgeledger/judgeledger/internal/auth"
	"github.com/judgeledger/judgeledger/internal/config"
	"github.com/judgeledger/judgeledger/internal/judge"
	"github.com/judgeledger/judgeledger/internal/ledger"
	"github.com/judgeledger/judgeledger/internal/logging"
	"github.com/judgeledger/judgeledger/internal/orchestrator"
	"github.com/judgeledger/judgeledger/internal/relay"
	"github.com/judgeledger/judgeledger/internal/replay"
	"github.com/judgeledger/judgeledger/internal/retry"
	"github.com/judgeledger/judgeledger/internal/service"
	"github.com/judgeledger/judgeledger/internal/storage/postgres"
	"github.com/judgeledger/judgeledger/internal/storage/sqlite"
)

type Application struct {
	Server  *http.Server
	Ledger  *ledger.Ledger
	closers []func()
}

// New wires the submission server. Every dependency is built here; nothing
// registers itself at import time.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Application, err error) {
	app := &Application{}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	signer, trusted, err := LoadKeys(cfg)
	if err != nil {
		return nil, err
	}

	journal, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open local journal: %w", err)
	}
	app.onClose(func() { _ = journal.Close() })

	var store ledger.Store
	var failures orchestrator.FailureLog = journal
	if cfg.Storage.PostgresDSN != "" {
		pg, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		app.onClose(pg.Close)
		store = ledger.NewFallbackStore(pg, journal, logger)
		failures = &fallbackFailureLog{primary: pg, journal: journal, logger: logger}
	} else {
		logger.Warn("storage.postgres_dsn not set; ledger is held in memory and lost on exit")
		store = ledger.NewMemoryStore()
	}

	l, err := ledger.New(ledger.Options{Store: store, Signer: signer, TrustedKeys: trusted, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("build ledger: %w", err)
	}
	app.Ledger = l

	replayStore, err := buildReplayStore(ctx, cfg, app)
	if err != nil {
		return nil, err
	}

	panel, err := buildPanel(cfg, logger)
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	var notifier relay.Notifier = relay.NopNotifier{}
	if cfg.Relay.OutcomeWebhookURL != "" {
		notifier = relay.NewHTTPNotifier(cfg.Relay.OutcomeWebhookURL, cfg.Relay.OutcomeWebhookToken, policy)
	}
	var bucket relay.BucketRelay
	if cfg.Relay.S3.Bucket != "" {
		s3Relay, err := NewS3Relay(ctx, cfg)
		if err != nil {
			return nil, err
		}
		bucket = relay.NewFallbackRelay(s3Relay, journal, logger)
	}

	pipeline, err := orchestrator.NewPipeline(orchestrator.PipelineOptions{
		Judge:      panel,
		Ledger:     l,
		Notifier:   notifier,
		Bucket:     bucket,
		FailureLog: failures,
		Policy:     orchestrator.OutcomePolicy{SuccessAt: cfg.Consensus.SuccessAt, PartialAt: cfg.Consensus.PartialAt},
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	svc, err := service.NewSubmissionService(service.SubmissionParams{
		Authenticator: auth.NewAuthenticator(auth.Options{
			MaxSkew:         cfg.MaxSkew(),
			NonceSweepEvery: cfg.Security.NonceSweepEvery,
			NonceMaxEntries: cfg.Security.NonceMaxEntries,
		}),
		Secret:            []byte(cfg.Security.HMACSecret),
		EnforceSignatures: *cfg.Security.EnforceSignatures,
		Guard:             replay.NewGuard(replayStore, nil),
		ContentAddressed:  cfg.Replay.ContentAddressed,
		Pipeline:          pipeline,
		Ledger:            l,
		Logger:            logger,
		Service:           cfg.Logging.Service,
		Version:           cfg.Logging.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("build submission service: %w", err)
	}
	if !*cfg.Security.EnforceSignatures {
		logger.Warn("security.enforce_signatures is false; submissions are not authenticated")
	}

	agents, err := agent.NewRegistry(
		agent.JudgeAgent(panel),
		agent.MentorAgent(cfg.Consensus.MaxScore),
		agent.SystemAgent(l, cfg.Logging.Service, cfg.Logging.Version),
		agent.DefaultAgent(),
	)
	if err != nil {
		return nil, fmt.Errorf("build agent registry: %w", err)
	}

	opts := api.HandlerOptions{
		Service:      svc,
		Agents:       agents,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	}
	if *cfg.Security.EnableAPIKeys {
		keys := make([]auth.APIKey, 0, len(cfg.Security.APIKeys))
		for _, k := range cfg.Security.APIKeys {
			keys = append(keys, auth.APIKey{ID: k.ID, Hash: k.Hash})
		}
		set, err := auth.NewAPIKeySet(keys)
		if err != nil {
			return nil, fmt.Errorf("load api keys: %w", err)
		}
		opts.APIKeys = set
	}
	if rps := cfg.Security.RateLimit.RequestsPerSecond; rps > 0 {
		opts.Limiter = api.NewRateLimiter(rps, cfg.Security.RateLimit.Burst)
	}

	router := api.NewHandler(opts).Router()
	if *cfg.Security.EnableIPAllow {
		mw, err := api.IPAllowListMiddleware(cfg.Security.TrustedCIDRs)
		if err != nil {
			return nil, fmt.Errorf("configure ip allow list: %w", err)
		}
		router = mw(router)
	}
	env := logging.Environment{
		Service:  cfg.Logging.Service,
		Version:  cfg.Logging.Version,
		Commit:   cfg.Logging.Commit,
		Region:   cfg.Logging.Region,
		Instance: cfg.Logging.Instance,
	}
	root := logging.Middleware(logger, env)(router)

	app.Server = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return app, nil
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.close()
	if a.Server == nil {
		return nil
	}
	return a.Server.Shutdown(ctx)
}

func (a *Application) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func buildReplayStore(ctx context.Context, cfg *config.Config, app *Application) (replay.Store, error) {
	if cfg.Replay.Backend != "redis" {
		return replay.NewMemoryStore(replay.MemoryOptions{
			TTL:        cfg.ReplayTTL(),
			SweepEvery: cfg.Replay.SweepEvery,
			MaxEntries: cfg.Replay.MaxEntries,
		}), nil
	}
	client := replay.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	app.onClose(func() { _ = client.Close() })
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return replay.NewRedisStore(client, cfg.ReplayTTL()), nil
}

func buildPanel(cfg *config.Config, logger *slog.Logger) (*judge.Panel, error) {
	aggregator, err := cfg.Aggregator()
	if err != nil {
		return nil, fmt.Errorf("build consensus aggregator: %w", err)
	}
	evaluators := make([]judge.Evaluator, 0, len(cfg.Judge.Evaluators))
	for _, ev := range cfg.Judge.Evaluators {
		if ev.URL == "" {
			evaluators = append(evaluators, judge.StaticEvaluator{EvaluatorID: ev.ID, Scores: ev.Scores, Confidence: ev.Confidence})
			continue
		}
		httpEval, err := judge.NewHTTPEvaluator(ev.ID, ev.URL, ev.Token, cfg.JudgeTimeout())
		if err != nil {
			return nil, fmt.Errorf("evaluator %s: %w", ev.ID, err)
		}
		evaluators = append(evaluators, httpEval)
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Judge.Attempts
	policy.PerAttemptTimeout = cfg.JudgeTimeout()
	return judge.NewPanel(judge.PanelOptions{
		Evaluators:     evaluators,
		Aggregator:     aggregator,
		Policy:         policy,
		MinEvaluations: cfg.Judge.MinEvaluations,
		Logger:         logger,
	})
}

// NewS3Relay builds the bucket relay from config.
func NewS3Relay(ctx context.Context, cfg *config.Config) (*relay.S3Relay, error) {
	r, err := relay.NewS3Relay(ctx, relay.S3Options{
		Bucket:   cfg.Relay.S3.Bucket,
		Region:   cfg.Relay.S3.Region,
		Endpoint: cfg.Relay.S3.Endpoint,
		Prefix:   cfg.Relay.S3.Prefix,
	}, retry.DefaultPolicy())
	if err != nil {
		return nil, fmt.Errorf("build s3 relay: %w", err)
	}
	return r, nil
}

// fallbackFailureLog writes failure records to Postgres and keeps them in the
// local journal when Postgres is unreachable.
type fallbackFailureLog struct {
	primary orchestrator.FailureLog
	journal orchestrator.FailureLog
	logger  *slog.Logger
}

func (f *fallbackFailureLog) RecordFailure(ctx context.Context, rec orchestrator.FailureRecord) error {
	err := f.primary.RecordFailure(ctx, rec)
	if err == nil {
		return nil
	}
	if jerr := f.journal.RecordFailure(ctx, rec); jerr != nil {
		return errors.Join(err, jerr)
	}
	logging.Alert(ctx, f.logger, "failure_log_primary_failed",
		"transaction_id", rec.TransactionID,
		"step", rec.Step,
		"error", err.Error(),
	)
	return nil
}
