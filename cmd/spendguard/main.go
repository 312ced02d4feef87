// Spendguard - Expense anomaly alerts for personal finance.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/spendguard/internal/anomaly"
	"github.com/opensource-finance/spendguard/internal/api"
	"github.com/opensource-finance/spendguard/internal/bus"
	"github.com/opensource-finance/spendguard/internal/cache"
	"github.com/opensource-finance/spendguard/internal/config"
	"github.com/opensource-finance/spendguard/internal/domain"
	"github.com/opensource-finance/spendguard/internal/ingest"
	"github.com/opensource-finance/spendguard/internal/notify"
	"github.com/opensource-finance/spendguard/internal/repository"
	"github.com/opensource-finance/spendguard/internal/rules"
)

// Set via ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "spendguard: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("spendguard exited", "error", err)
		os.Exit(1)
	}
}

// run wires every component, serves until ctx ends, then shuts down in
// dependency order: HTTP first, then the bus, then the notifier.
func run(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting spendguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	defer repo.Close()

	store, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer store.Close()

	events, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer events.Close()

	scorer := anomaly.NewScorer(repo, cfg.Anomaly)
	detectors := scorer.Config()
	slog.Info("anomaly scorer ready",
		"category_z", detectors.CategoryZThreshold,
		"overall_z", detectors.OverallZThreshold,
		"velocity_window", detectors.VelocityWindow,
	)

	policy, err := rules.NewAlertPolicy(cfg.Alerts.Policy)
	if err != nil {
		return fmt.Errorf("alert policy: %w", err)
	}
	slog.Info("alert policy compiled", "expression", policy.Expression())

	service := ingest.NewService(repo, scorer, policy, events,
		ingest.WithCache(store, cfg.Cache.TransactionTTL),
	)

	notifier := notify.NewWorker(events, notify.NewLogMailer(nil), notify.Config{
		From: cfg.Alerts.From,
	})
	if err := notifier.Start(); err != nil {
		return fmt.Errorf("alert notifier: %w", err)
	}

	handler := api.NewHandler(repo, store, service, policy, api.HandlerConfig{
		Version:         Version,
		DefaultCurrency: cfg.Alerts.DefaultCurrency,
		CacheTTL:        cfg.Cache.TransactionTTL,
		ForecastMonths:  cfg.Forecast.WindowMonths,
	})
	srv := api.NewServer(cfg.Server, handler, cfg.RateLimit)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	printBanner(os.Stdout, cfg, Version)

	if err := awaitStop(ctx, serveErr); err != nil {
		_ = notifier.Stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server forced to stop", "error", err)
	}

	// Queued alerts are mailed while the notifier is still subscribed.
	if err := events.Close(); err != nil {
		slog.Error("failed to drain event bus", "error", err)
	}
	if s, ok := events.(interface{ Stats() bus.Stats }); ok {
		st := s.Stats()
		slog.Info("event bus drained",
			"published", st.Published,
			"delivered", st.Delivered,
			"dropped", st.Dropped,
			"handler_errors", st.HandlerErrors,
		)
	}

	if err := notifier.Stop(); err != nil {
		slog.Error("failed to stop alert notifier", "error", err)
	}
	sent := notifier.GetStats()
	slog.Info("spendguard stopped",
		"alerts_sent", sent.Sent,
		"alerts_failed", sent.Failed,
	)
	return nil
}

// awaitStop blocks until ctx ends or the server goroutine finishes. A closed
// channel means the server stopped cleanly and shutdown proceeds as usual.
func awaitStop(ctx context.Context, serveErr <-chan error) error {
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		return nil
	case err, ok := <-serveErr:
		if !ok {
			slog.Info("http server stopped")
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func newLogger(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

var routes = []struct{ method, path, about string }{
	{"POST", "/accounts", "Create an account"},
	{"GET", "/accounts/{id}", "Get account by ID"},
	{"POST", "/transactions", "Record a transaction and score it"},
	{"GET", "/transactions", "List transactions"},
	{"GET", "/transactions/{id}", "Get transaction by ID"},
	{"PUT", "/transactions/{id}", "Edit a transaction"},
	{"GET", "/forecast", "Project next month per category"},
	{"POST", "/anomaly/score", "Preview anomaly scoring"},
	{"GET", "/alerts/policy", "Show alert policy"},
	{"PUT", "/alerts/policy", "Replace alert policy"},
	{"GET", "/health", "Liveness"},
	{"GET", "/ready", "Readiness"},
}

func printBanner(w io.Writer, cfg *domain.Config, version string) {
	fmt.Fprintf(w, `
  +-------------------------------------------+
  |               SPENDGUARD                  |
  |      Expense Anomaly Alerts Engine        |
  +-------------------------------------------+

  Version:  %s
  Tier:     %s
  Server:   http://%s:%d

  Endpoints:
`, version, cfg.Tier, cfg.Server.Host, cfg.Server.Port)
	for _, r := range routes {
		fmt.Fprintf(w, "    %-5s %-20s - %s\n", r.method, r.path, r.about)
	}
	fmt.Fprintln(w)
}
