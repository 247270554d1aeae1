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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"duster/internal/config"
	"duster/internal/httpserver"
	"duster/internal/logging"
	"duster/internal/observability"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: inbound handling, retry loop, health and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadRelay()
			logging.Init("relay", cfg.LogFormat, cfg.LogLevel)
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg config.RelayConfig) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)

	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()

	r := newRelay(cfg, d)
	wg, err := r.start(ctx)
	if err != nil {
		return err
	}

	// health + message API
	s := httpserver.New()
	s.Mux.Use(httpserver.Metrics(observability.HTTPRequests))
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, d.checks...))
	(&httpserver.API{Store: d.store}).Register(s.Mux)
	apiSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.Logging(s.Mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           httpserver.MetricsHandler(prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	apiErrCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "port", cfg.Port)
		apiErrCh <- apiSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case err := <-apiErrCh:
		if err != nil && err != http.ErrServerClosed {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	case sig := <-sigCh:
		slog.Info("relay shutdown", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Info("relay shutdown timeout waiting for background jobs")
	}

	if err := d.gateway.Close(shutdownCtx); err != nil {
		slog.Error("transport close failed", "err", err)
	}
	return runErr
}
