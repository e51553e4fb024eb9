package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/autocrypt/config"
	"github.com/migadu/autocrypt/logger"
	"github.com/migadu/autocrypt/server/httpapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func handleServe(ctx context.Context, args []string, out io.Writer) error {
	fs, common := newFlagSet("serve", `Run the HTTP API and the Prometheus metrics endpoint

Usage:
  autocrypt serve [--addr host:port]

The API key and allowed hosts come from the [http_api] config section.
`, out)
	addr := fs.String("addr", "", "HTTP API listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	acct, cfg, cleanup, err := common.openAccount(fs)
	if err != nil {
		return err
	}
	defer cleanup()

	if *addr != "" {
		cfg.HTTPAPI.Addr = *addr
	}
	if cfg.HTTPAPI.APIKey == "" {
		return &validationError{err: fmt.Errorf("http_api.api_key is required to serve")}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)
	go func() {
		select {
		case sig := <-signalChan:
			logger.Info("Received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := acct.StartBackgroundTasks(ctx); err != nil {
		return err
	}
	logger.Info("autocrypt starting", "version", version, "commit", commit, "account", acct.Dir(), "backend", cfg.Store.Backend)

	errChan := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		httpapi.Start(ctx, acct, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
		}, errChan)
	}()

	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startMetricsServer(ctx, cfg.Metrics, errChan)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errChan:
		cancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}
	return runErr
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
