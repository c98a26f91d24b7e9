package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"session-analyzer/internal/app"
	"session-analyzer/internal/config"
	"session-analyzer/internal/logger"
	"session-analyzer/internal/telemetry"
	"session-analyzer/internal/tracing"
)

func main() {
	cfg := config.Load()

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, lg, "session-analyzer-supervisor", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		lg.Fatal("init tracing", "error", err)
	}

	a, err := app.Build(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("wire application", "error", err)
	}
	defer a.Close()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Warn("metrics server stopped", "error", err)
		}
	}()

	rep, err := a.Supervisor.RunOnce(ctx)
	if err != nil {
		lg.Error("restart pass failed", "error", err)
		os.Exit(1)
	}
	lg.Info("waiting for resumed pipelines", "resumed", rep.Resumed)
	a.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Warn("tracing shutdown", "error", err)
	}
	lg.Info("supervisor done", "total", rep.Total, "resumed", rep.Resumed, "failed", rep.Failed, "skipped", rep.Skipped)
}
