package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/rag-gateway/internal/api"
	"github.com/felipepmaragno/rag-gateway/internal/auth"
	"github.com/felipepmaragno/rag-gateway/internal/config"
	"github.com/felipepmaragno/rag-gateway/internal/gateway"
	"github.com/felipepmaragno/rag-gateway/internal/httputil"
	"github.com/felipepmaragno/rag-gateway/internal/metrics"
	"github.com/felipepmaragno/rag-gateway/internal/rag"
	"github.com/felipepmaragno/rag-gateway/internal/search"
	"github.com/felipepmaragno/rag-gateway/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting RAG gateway", "addr", cfg.Addr, "version", version)

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.OTelEnabled {
		var err error
		shutdownTracing, err = telemetry.Init(ctx, "rag-gateway", cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
	}
	metrics.SetInstanceInfo(version)

	authenticator, err := auth.NewAuthenticator(cfg.JWTSecret, cfg.AdminClaim)
	if err != nil {
		return err
	}

	resolver, err := buildSecrets(ctx, cfg)
	if err != nil {
		return err
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	for _, d := range reg.Available(ctx, resolver) {
		slog.Info("model available", "provider", d.Provider, "model", d.Name, "stream", d.SupportsEventStream)
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	gwCfg := gateway.Config{
		Registry:       reg,
		Secrets:        resolver,
		Quota:          b.quota,
		Usage:          b.usage,
		Breakers:       b.breakers,
		StreamInterval: cfg.StreamFlushInterval,
		DebugAllowed:   cfg.DebugAllowed,
	}
	if cfg.SearchBaseURL != "" {
		client := search.NewClient(cfg.SearchBaseURL, cfg.SearchAPIToken, httputil.DefaultClient())
		gwCfg.Search = client
		gwCfg.Assembler = rag.NewAssembler(client)
		slog.Info("search engine configured", "url", cfg.SearchBaseURL)
	} else {
		slog.Warn("SEARCH_BASE_URL not set, Context and Answer are disabled")
	}

	checkers := append(b.checkers, api.NewModelsHealthChecker(reg, resolver))
	handler := api.NewHandler(api.HandlerConfig{
		Gateway:  gateway.New(gwCfg),
		Auth:     authenticator,
		Limiter:  b.limiter,
		Checkers: checkers,
		Version:  version,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
	return nil
}
