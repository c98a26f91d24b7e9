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

	"session-analyzer/internal/api"
	"session-analyzer/internal/app"
	"session-analyzer/internal/config"
	"session-analyzer/internal/logger"
	"session-analyzer/internal/tracing"
)

func main() {
	cfg := config.Load()

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, lg, "session-analyzer-api", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		lg.Fatal("init tracing", "error", err)
	}

	a, err := app.Build(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("wire application", "error", err)
	}
	defer a.Close()

	server := api.New(cfg, a.Store, a.Coordinator, a.Supervisor, a.Storage, lg)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lg.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "storage", cfg.StorageBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("listen", "error", err)
		}
	}()

	if cfg.RestartOnBoot {
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.RestartDelay):
			}
			if _, err := a.Supervisor.RunOnce(ctx); err != nil {
				lg.Error("boot restart pass failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	lg.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	server.Wait()
	a.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Warn("tracing shutdown", "error", err)
	}
}
