package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/agentbridge/internal/api"
	"github.com/flowpbx/agentbridge/internal/calls"
	"github.com/flowpbx/agentbridge/internal/config"
	"github.com/flowpbx/agentbridge/internal/metrics"
	"github.com/flowpbx/agentbridge/internal/retell"
	"github.com/flowpbx/agentbridge/internal/routing"
	"github.com/flowpbx/agentbridge/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds graceful shutdown of in-flight HTTP requests.
const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting agentbridge",
		"http_port", cfg.HTTPPort,
		"routing_strategy", cfg.RoutingStrategy,
		"agent_id", cfg.RetellAgentID,
		"default_country", cfg.DefaultCountry,
	)

	if err := run(cfg, logger); err != nil {
		slog.Error("agentbridge exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("agentbridge stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()

	registry := calls.NewRegistry(logger)
	client := retell.NewClient(cfg.RetellBaseURL, cfg.RetellAPIKey, cfg.RetellOptions(), logger)
	router := routing.NewRouter(cfg.RoutingPolicy(), client, registry, logger)

	stats := metrics.NewSessionStats()
	sessions := session.NewHandler(router, session.Options{
		FailureMessage: cfg.FailureMessage,
		OnStateChange: func(_, to session.State) {
			stats.Observe(to.String())
		},
	}, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(registry, sessions, stats, startTime))

	handler, err := api.NewServer(cfg, api.Deps{
		Calls:    registry,
		Router:   router,
		Sessions: sessions,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, logger)
	if err != nil {
		return err
	}
	defer handler.Close()

	// No WriteTimeout: control plane WebSocket sessions last for the whole
	// call and the upgrader clears deadlines itself.
	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down", "calls_in_progress", registry.Size(), "active_sessions", sessions.ActiveSessions())

		// Graceful shutdown with timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
