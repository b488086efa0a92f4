package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/prismproxy/prism/internal/config"
	"github.com/prismproxy/prism/internal/credential"
	"github.com/prismproxy/prism/internal/dispatch"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/server"
	"github.com/prismproxy/prism/internal/telemetry"
	"github.com/prismproxy/prism/internal/upstream"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Server.LogLevel)

	slog.Info("starting prism", "version", version, "addr", cfg.Server.Addr())

	store, err := openStore()
	if err != nil {
		return err
	}
	importCLICredentials(cfg, store)

	table, err := router.New(cfg.Routing)
	if err != nil {
		return err
	}

	log := slog.Default()
	creds := credential.NewManager(store, nil, log)
	client := upstream.NewClient(log)
	dispatcher := dispatch.New(cfg, table, client, creds, log)

	deps := server.Deps{Dispatcher: dispatcher, Routes: table}
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		deps.Metrics = telemetry.NewMetrics(reg)
		deps.Registry = reg
		dispatcher.SetMetrics(deps.Metrics)
		creds.SetRefreshHook(func(identity, result string) {
			deps.Metrics.CredentialRefreshes.WithLabelValues(identity, result).Inc()
		})
	}
	handler := server.New(deps)

	ctx := context.Background()
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("prism ready", "addr", cfg.Server.Addr(), "aliases", table.Aliases())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	handler.SetDraining()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("prism stopped")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openStore() (*credential.Store, error) {
	path, err := credential.DefaultPath()
	if err != nil {
		return nil, err
	}
	return credential.Open(path)
}

// importCLICredentials picks up tokens written by the provider CLIs for every
// oauth identity the config references. Failures are logged, not fatal: a
// provider without credentials errors per-request with remediation.
func importCLICredentials(cfg *config.Config, store *credential.Store) {
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("cannot resolve home directory for credential import", "error", err)
		return
	}
	seen := map[string]bool{}
	for name, p := range cfg.Providers {
		if p.OAuth == "" || seen[p.OAuth] {
			continue
		}
		seen[p.OAuth] = true
		imported, err := credential.Import(store, p.OAuth, home)
		if err != nil {
			slog.Warn("credential import failed", "provider", name, "identity", p.OAuth, "error", err)
			continue
		}
		if imported {
			slog.Info("imported CLI credentials", "identity", p.OAuth)
		}
	}
}
