package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/drive-cache/server"
	"github.com/wolfeidau/drive-cache/telemetry"
)

// ServeCmd runs the HTTP gateway.
type ServeCmd struct {
	Address      string `help:"Address to listen on." default:":8080" env:"DRIVE_CACHE_ADDRESS"`
	AuthToken    string `help:"Bearer token required by the HTTP API." env:"DRIVE_CACHE_AUTH_TOKEN"`
	Offline      bool   `help:"Serve cached files only; never contact the Drive API."`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." env:"DRIVE_CACHE_PROMETHEUS"`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func (s *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "drive-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     s.OTLPEndpoint,
		EnablePrometheus: s.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			g.logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	c, err := g.openCache(ctx)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer c.Close()

	cfg := server.Config{
		Address:   s.Address,
		AuthToken: g.authToken(s.AuthToken),
		Cache:     c,
		Logger:    g.logger.With("component", "server"),
	}
	if !s.Offline {
		client := g.upstreamClient()
		cfg.Upstream = client
		g.logger.Info("reading through to drive api", "url", client.BaseURL())
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
