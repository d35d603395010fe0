package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/judgeledger/judgeledger/internal/app"
	"github.com/judgeledger/judgeledger/internal/config"
	"github.com/judgeledger/judgeledger/internal/logging"
	"github.com/judgeledger/judgeledger/internal/relay"
	"github.com/judgeledger/judgeledger/internal/service"
	"github.com/judgeledger/judgeledger/internal/storage/postgres"
	"github.com/judgeledger/judgeledger/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "configs/judgeledger.yaml", "path to server config")
	once := flag.Bool("once", false, "process one batch and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLoggerTo(os.Stdout, cfg.Logging.Level)
	if cfg.Storage.PostgresDSN == "" {
		logger.Error("storage.postgres_dsn is required for reconciliation")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	journal, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		logger.Error("failed to open journal", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer journal.Close()

	var bucket relay.BucketRelay
	if cfg.Relay.S3.Bucket != "" {
		s3Relay, err := app.NewS3Relay(ctx, cfg)
		if err != nil {
			logger.Error("failed to build bucket relay", slog.String("error", err.Error()))
			os.Exit(1)
		}
		bucket = s3Relay
	}

	reconciler, err := service.NewReconciler(service.ReconcilerParams{
		Journal:    journal,
		Primary:    store,
		Bucket:     bucket,
		BatchSize:  cfg.Reconcile.BatchSize,
		MaxBackoff: time.Duration(cfg.Reconcile.MaxBackoffSeconds) * time.Second,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build reconciler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if open, err := store.UnresolvedFailures(ctx, 100); err != nil {
		logger.Warn("could not list unresolved failures", slog.String("error", err.Error()))
	} else if len(open) > 0 {
		logger.Warn("unresolved step failures await manual reconciliation",
			slog.Int("count", len(open)),
			slog.String("oldest_transaction_id", open[0].TransactionID),
		)
	}

	if *once {
		stats, err := reconciler.ProcessBatch(ctx)
		if err != nil {
			logger.Error("reconcile batch failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("reconcile batch complete",
			slog.Int("ledger_replayed", stats.LedgerReplayed),
			slog.Int("ledger_pending", stats.LedgerPending),
			slog.Int("uploads_sent", stats.UploadsSent),
		)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("reconciler started", slog.Int("batch_size", cfg.Reconcile.BatchSize), slog.Bool("bucket", bucket != nil))
	if err := reconciler.Run(ctx, time.Duration(cfg.Reconcile.PollIntervalSeconds)*time.Second); err != nil {
		logger.Error("reconciler stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("reconciler stopped")
}
