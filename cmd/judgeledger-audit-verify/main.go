package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/judgeledger/judgeledger/internal/app"
	"github.com/judgeledger/judgeledger/internal/config"
	"github.com/judgeledger/judgeledger/internal/ledger"
	"github.com/judgeledger/judgeledger/internal/logging"
	"github.com/judgeledger/judgeledger/internal/protocol"
	"github.com/judgeledger/judgeledger/internal/service"
	"github.com/judgeledger/judgeledger/internal/storage/postgres"
)

const exitViolations = 2

func main() {
	configPath := flag.String("config", "configs/judgeledger.yaml", "path to server config")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall verification timeout")
	prove := flag.Int64("prove", 0, "also print an inclusion proof for this ledger sequence")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Storage.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "storage.postgres_dsn is required to audit the ledger")
		os.Exit(1)
	}
	keyring, err := app.Keyring(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load verification keys: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	report, err := ledger.VerifyStore(ctx, store, keyring)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify ledger: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLoggerTo(os.Stderr, cfg.Logging.Level)
	resp := service.ChainReport(ctx, report, time.Now().UTC(), logger)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
	} else {
		printReport(os.Stdout, resp)
	}
	if *prove > 0 {
		proof, err := ledger.ProveEntry(ctx, store, *prove)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prove sequence %d: %v\n", *prove, err)
			store.Close()
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(proof)
	}
	if !report.OK() {
		store.Close()
		os.Exit(exitViolations)
	}
}

func printReport(w io.Writer, resp protocol.ChainVerifyResponse) {
	fmt.Fprintf(w, "status:          %s\n", resp.Status)
	fmt.Fprintf(w, "entries checked: %d\n", resp.EntriesChecked)
	if resp.CheckpointRoot != "" {
		fmt.Fprintf(w, "checkpoint root: %s\n", resp.CheckpointRoot)
	}
	for _, issue := range resp.Issues {
		if issue.Detail != "" {
			fmt.Fprintf(w, "  #%d %s: %s\n", issue.Index, issue.Kind, issue.Detail)
			continue
		}
		fmt.Fprintf(w, "  #%d %s\n", issue.Index, issue.Kind)
	}
}
