package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ingestd/internal/config"
	"ingestd/internal/logging"
)

var (
	configPath     = flag.String("config", "", "Path to configuration file (default $INGESTD_CONFIG or config.toml)")
	logLevel       = flag.String("log-level", "", "Override the configured log level")
	logFormat      = flag.String("log-format", "", "Override the configured log format (text or json)")
	statusInterval = flag.Duration("status-interval", time.Minute, "How often to log streaming status, 0 disables")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := config.ConfigPath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}

	if *logLevel != "" {
		cfg.Runtime.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.Runtime.LogFormat = *logFormat
	}
	if err := logging.Init(cfg.Runtime.LogFormat, logging.ParseLevel(cfg.Runtime.LogLevel)); err != nil {
		return err
	}

	app, err := config.NewApp(cfg)
	if err != nil {
		return err
	}

	slog.Info("Starting", "name", cfg.Runtime.Name, "config", path, "storage", cfg.Storage.Type)
	if err := app.Start(ctx); err != nil {
		return err
	}
	if addr := app.Addr(); addr != "" {
		slog.Info("API available", "addr", addr)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if *statusInterval <= 0 {
			return nil
		}
		ticker := time.NewTicker(*statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				for id, st := range app.Runtime().GetStreamingStatus() {
					slog.Info("Stream status",
						"stream", id,
						"running", st.IsRunning,
						"connection", st.ConnectionStatus,
						"received", st.RecordsReceived,
						"processed", st.RecordsProcessed,
						"buffered", st.BufferSize,
						"errors", st.ErrorCount)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully", "timeout", cfg.Runtime.ShutdownTimeout.Duration)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout.Duration)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("Stopped")
	return nil
}
