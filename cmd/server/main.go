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

// ChipHi — Inbound Email Ingestion Gateway
//
// Entry point for the ingestion gateway. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Builds the provider factory (Cloudflare, SES, Gmail) and switcher
//  4. Serves per-provider webhook endpoints
//  5. Serves /health and /metrics on a separate ops port
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/chiphi/ingestion/internal/config"
	"github.com/chiphi/ingestion/internal/dedup"
	"github.com/chiphi/ingestion/internal/emailstore"
	"github.com/chiphi/ingestion/internal/idempotency"
	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/providers"
	"github.com/chiphi/ingestion/internal/queue"
	"github.com/chiphi/ingestion/internal/rawcontent"
	"github.com/chiphi/ingestion/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting ChipHi ingestion gateway")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"environment", cfg.Environment,
		"inbox_domain", cfg.InboxDomain,
		"default_provider", cfg.DefaultProvider,
		"providers", len(cfg.Providers),
	)
	for name, pc := range cfg.Providers {
		slog.Info("provider configured",
			"provider", name,
			"enabled", pc.Enabled,
			"config", fmt.Sprintf("%+v", pc.Redacted()),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
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
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.EmailsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Advisory Dedup Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Stores (Postgres) ---
	idemStore, err := idempotency.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise idempotency store", "error", err)
		os.Exit(1)
	}
	idemService := idempotency.NewService(idemStore, idemStore)

	emails, err := emailstore.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise email store", "error", err)
		os.Exit(1)
	}

	// --- Raw Content Fetcher ---
	// SES deliveries can reference MIME content stored externally instead
	// of inlining it. The fetcher retrieves it on demand.
	var fetcher providers.RawContentFetcher
	if cfg.ContentStoreURL != "" {
		timeout := time.Duration(models.DefaultTimeoutMs) * time.Millisecond
		if clientID := os.Getenv("CONTENT_STORE_CLIENT_ID"); clientID != "" {
			creds := &clientcredentials.Config{
				ClientID:     clientID,
				ClientSecret: os.Getenv("CONTENT_STORE_CLIENT_SECRET"),
				TokenURL:     os.Getenv("CONTENT_STORE_TOKEN_URL"),
			}
			fetcher = rawcontent.NewWithClientCredentials(ctx, cfg.ContentStoreURL, creds, timeout)
		} else {
			fetcher = rawcontent.New(cfg.ContentStoreURL, timeout)
		}
		slog.Info("raw content fetcher configured", "base_url", cfg.ContentStoreURL)
	}

	// --- Provider Factory + Switcher ---
	factory, err := providers.NewFactory(providers.FactoryConfig{
		Environment:     cfg.Environment,
		InboxDomain:     cfg.InboxDomain,
		DefaultProvider: cfg.DefaultProvider,
		Providers:       cfg.Providers,
		RawContent:      fetcher,
	})
	if err != nil {
		slog.Error("failed to build provider factory", "error", err)
		os.Exit(1)
	}

	switcher, err := providers.NewSwitcher(factory, cfg.DefaultProvider)
	if err != nil {
		slog.Error("failed to build provider switcher", "error", err)
		os.Exit(1)
	}

	// Warm the health-check cache so /health reports real provider state
	// from the first request.
	for name, hc := range factory.PerformAllHealthChecks(ctx) {
		slog.Info("provider health",
			"provider", name,
			"healthy", hc.Healthy,
			"error", hc.Error,
		)
	}

	// --- Webhook Server ---
	handler := webhook.NewHandler(factory, switcher, idemService, emails, publisher, filter, idemStore)
	ready, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("webhook server ready", "port", cfg.Port)

	// --- Ops Server: /health + /metrics ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Active provider must be resolvable
		if _, err := switcher.ActiveProvider(r.Context()); err != nil {
			http.Error(w, "no active provider", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.OpsPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop the webhook server

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("ops server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("ops server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("ops server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion gateway stopped")
}
