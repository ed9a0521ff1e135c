package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/flowpbx/agentbridge/internal/api/middleware"
	"github.com/flowpbx/agentbridge/internal/calls"
	"github.com/flowpbx/agentbridge/internal/config"
	"github.com/flowpbx/agentbridge/internal/routing"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// CallRouter builds a dial plan for a call using an explicit strategy.
type CallRouter interface {
	RouteWith(ctx context.Context, strategy routing.Strategy, call routing.Call) (routing.Plan, error)
}

// Deps are the components the HTTP surface is mounted over.
type Deps struct {
	Calls    *calls.Registry
	Router   CallRouter
	Sessions http.Handler // control plane WebSocket endpoint
	Metrics  http.Handler // optional
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	cfg     *config.Config
	deps    Deps
	secret  []byte
	limiter *middleware.IPRateLimiter
	logger  *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	secret, err := cfg.APISecretBytes()
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		deps:   deps,
		secret: secret,
		logger: logger.With("subsystem", "api"),
	}
	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewIPRateLimiter(middleware.WebhookRateLimitConfig(cfg.RateLimit), logger)
	}

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close releases background resources held by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders(s.cfg.TLSEnabled()))

	r.Get("/", s.handleSuccessPage)
	r.Handle("/retell", s.deps.Sessions)

	// Control plane and agent backend webhooks.
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(middleware.RateLimit(s.limiter))
		}
		r.Post("/call-status", s.handleCallStatus)
		r.Post("/retellai", s.handleRetellAI)
		r.Post("/agent-events", s.handleAgentEvent)
		r.Post("/inbound-webhook", s.handleInboundWebhook)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		if s.secret != nil {
			r.With(middleware.RequireAPIToken(s.secret, middleware.ScopeCallsRead)).
				Get("/calls", s.handleListCalls)
		}
	})

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted", "admin_api", s.secret != nil, "rate_limit", s.cfg.RateLimit)
}
