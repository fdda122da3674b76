// Copyright (c) 2026 ChipHi, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ChipHi — Idempotency Retention Cleanup
//
// Standalone CLI tool that deletes idempotency records older than the
// retention window. Runs out-of-band (cron or a scheduled job), never in
// the inbound request path.
//
// Usage:
//
//	go run ./cmd/cleanup/ [--retention-days 90] [--dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chiphi/ingestion/internal/config"
	"github.com/chiphi/ingestion/internal/idempotency"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	retentionFlag := flag.Int("retention-days", 0, "Delete records older than this many days (default: config/env, then 90)")
	dryRunFlag := flag.Bool("dry-run", false, "Report what would be deleted without deleting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	retentionDays := *retentionFlag
	if retentionDays <= 0 {
		retentionDays = cfg.RetentionDays
	}
	if retentionDays <= 0 {
		retentionDays = idempotency.DefaultRetentionDays
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	store, err := idempotency.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise idempotency store", "error", err)
		os.Exit(1)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	slog.Info("starting idempotency cleanup",
		"retention_days", retentionDays,
		"cutoff", cutoff.Format(time.RFC3339),
		"dry_run", *dryRunFlag,
	)

	if *dryRunFlag {
		var count int64
		err := pgPool.QueryRow(ctx,
			`SELECT COUNT(*) FROM idempotency_records WHERE created_at < $1`, cutoff,
		).Scan(&count)
		if err != nil {
			slog.Error("dry-run count failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("dry run: %d records older than %d days\n", count, retentionDays)
		return
	}

	service := idempotency.NewService(store, nil)
	deleted, err := service.CleanupOldRecords(ctx, retentionDays)
	if err != nil {
		slog.Error("cleanup failed", "error", err)
		os.Exit(1)
	}

	slog.Info("cleanup complete", "deleted", deleted)
	fmt.Printf("deleted %d idempotency records older than %d days\n", deleted, retentionDays)
}
