package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shinrai-ai/shinrai/internal/auth"
	"github.com/shinrai-ai/shinrai/internal/breaker"
	"github.com/shinrai-ai/shinrai/internal/ratelimit"
	"github.com/shinrai-ai/shinrai/internal/registry"
)

// Config holds everything the HTTP server needs.
type Config struct {
	Store      Store
	Launcher   Launcher
	Registry   *registry.Registry
	Breaker    *breaker.Breaker
	JWTManager *auth.JWTManager
	Limiter    ratelimit.Limiter
	Logger     *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	Version             string
	OpenAPISpec         []byte
}

// Server is the operator-facing HTTP API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New constructs the server with all routes and middleware wired.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxRequestBodyBytes == 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}

	h := NewHandlers(cfg.Store, cfg.Launcher, cfg.Registry, cfg.Breaker, cfg.JWTManager, cfg.Version, cfg.Logger)
	h.openapiSpec = cfg.OpenAPISpec

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.handleOpenAPISpec)
	mux.HandleFunc("POST /v1/auth/token", h.handleIssueToken)

	mux.HandleFunc("POST /v1/agents/{agent_id}/runs", h.handleLaunchRun)
	mux.HandleFunc("POST /v1/hooks/{agent_id}", h.handleWebhook)

	mux.HandleFunc("GET /v1/runs", h.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.handleRunEvents)

	mux.HandleFunc("GET /v1/agents", h.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{agent_id}/availability", h.handleAgentAvailability)

	mux.HandleFunc("GET /v1/breaker", h.handleBreakerStates)
	mux.HandleFunc("POST /v1/breaker/{agent_id}/reset", h.handleBreakerReset)

	mux.HandleFunc("GET /v1/approvals", h.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/review", h.handleReviewApproval)

	mux.HandleFunc("GET /v1/deadletters", h.handleListDeadLetters)

	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTManager, h, handler)
	if cfg.Limiter != nil {
		handler = ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, func(r *http.Request) string {
			return RequestIDFromContext(r.Context())
		}, cfg.Logger)(handler)
	}
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// bodyLimitMiddleware caps request body size.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
