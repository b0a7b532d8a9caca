package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/agexec/internal/audit"
	"github.com/g960059/agexec/internal/config"
	"github.com/g960059/agexec/internal/daemon"
	"github.com/g960059/agexec/internal/db"
	"github.com/g960059/agexec/internal/orchestrator"
	"github.com/g960059/agexec/internal/policy"
	"github.com/g960059/agexec/internal/sandbox"
	"github.com/g960059/agexec/internal/stream"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for agexecd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.AuditLogPath, "audit-log", cfg.AuditLogPath, "audit log path (empty disables)")
	flag.StringVar(&cfg.PolicyPath, "policy", cfg.PolicyPath, "policy tables path (YAML)")
	flag.BoolVar(&cfg.InMemory, "in-memory", cfg.InMemory, "keep state in memory instead of SQLite")
	flag.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "hard cap on command runtime")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var ledger orchestrator.Ledger
	if cfg.InMemory {
		ledger = db.NewMemStore()
	} else {
		store, err := db.Open(ctx, cfg.DBPath)
		if err != nil {
			fatal(err)
		}
		defer store.Close() //nolint:errcheck
		if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
			fatal(err)
		}
		ledger = store
	}

	var auditor audit.Recorder = audit.NopRecorder{}
	if cfg.AuditLogPath != "" {
		sink, err := audit.OpenSink(cfg.AuditLogPath)
		if err != nil {
			fatal(err)
		}
		defer sink.Close()
		auditor = sink
	}

	tables, err := loadTables(cfg.PolicyPath)
	if err != nil {
		fatal(err)
	}

	hub := stream.NewHub()
	orc := orchestrator.New(orchestrator.Deps{
		Ledger: ledger,
		Executor: sandbox.New(sandbox.Options{
			Timeout:        cfg.CommandTimeout,
			MaxStreamBytes: cfg.MaxStreamBytes,
		}),
		Classifier: policy.NewClassifier(tables),
		Hub:        hub,
		Audit:      auditor,
	}, orchestrator.Options{
		ApprovalTTL:   cfg.ApprovalTTL,
		SweepInterval: cfg.SweepInterval,
	})

	session, err := ledger.LatestSessionID(ctx)
	if errors.Is(err, db.ErrNotFound) {
		session = uuid.NewString()
		err = nil
	}
	if err != nil {
		fatal(err)
	}
	if err := orc.Start(ctx, session); err != nil {
		fatal(err)
	}
	defer orc.Close() //nolint:errcheck

	startRetentionLoop(ctx, ledger, cfg)

	srv := daemon.NewServerWithDeps(cfg, orc, ledger, hub, auditor)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func loadTables(path string) (policy.Tables, error) {
	if path == "" {
		return policy.DefaultTables(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return policy.DefaultTables(), nil
		}
		return policy.Tables{}, err
	}
	tables, err := policy.LoadTables(path)
	if err != nil {
		return policy.Tables{}, fmt.Errorf("load policy %s: %w", path, err)
	}
	return tables, nil
}

func startRetentionLoop(ctx context.Context, ledger orchestrator.Ledger, cfg config.Config) {
	if cfg.EventRetention <= 0 {
		return
	}
	interval := cfg.RetentionInterval
	if interval <= 0 {
		interval = 1 * time.Hour
	}
	run := func() {
		cutoff := time.Now().UTC().Add(-cfg.EventRetention)
		if _, err := ledger.PruneEvents(ctx, cutoff); err != nil && !errors.Is(err, context.Canceled) {
			logErr("event retention prune", err)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "agexecd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "agexecd: %v\n", err)
	os.Exit(1)
}
