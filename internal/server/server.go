package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quantops/tradectl/internal/domain"
	"github.com/quantops/tradectl/internal/server/handler"
	"github.com/quantops/tradectl/internal/server/middleware"
	"github.com/quantops/tradectl/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Rate limiting. A nil RateLimiter disables throttling entirely.
	RateLimiter       domain.RateLimiter
	RateLimit         int
	RateLimitWindow   time.Duration
	RateLimitFailOpen bool
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil entries are skipped, so a service running in a reduced mode registers
// only the surface it actually carries.
type Handlers struct {
	Health    *handler.HealthHandler
	Signals   *handler.SignalHandler
	Risk      *handler.RiskHandler
	Orders    *handler.OrderHandler
	Positions *handler.PositionHandler
	Circuit   *handler.CircuitHandler
	Admin     *handler.AdminHandler
	Reconcile *handler.ReconcileHandler
	Runs      *handler.RunHandler
	Events    *handler.EventsHandler
	Webhook   *handler.WebhookHandler
}

// Server is the HTTP + WebSocket API surface of the trading control plane.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, CORS, logging, auth) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required, registered outside the API prefix).
	if handlers.Health != nil {
		mux.HandleFunc("GET /health", handlers.Health.Check)
	}

	// Signal and model endpoints.
	if handlers.Signals != nil {
		mux.HandleFunc("POST /api/v1/signals/generate", handlers.Signals.Generate)
		mux.HandleFunc("GET /api/v1/model/info", handlers.Signals.ModelInfo)
		mux.HandleFunc("POST /api/v1/model/reload", handlers.Signals.Reload)
	}

	// Risk planning.
	if handlers.Risk != nil {
		mux.HandleFunc("POST /api/v1/risk/plan", handlers.Risk.Plan)
	}

	// Order endpoints.
	if handlers.Orders != nil {
		mux.HandleFunc("POST /api/v1/orders", handlers.Orders.Submit)
		mux.HandleFunc("GET /api/v1/orders", handlers.Orders.List)
		mux.HandleFunc("GET /api/v1/orders/{id}", handlers.Orders.Get)
		mux.HandleFunc("POST /api/v1/orders/{id}/cancel", handlers.Orders.Cancel)
	}

	// Position endpoints.
	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/v1/positions", handlers.Positions.List)
	}

	// Circuit breaker endpoints.
	if handlers.Circuit != nil {
		mux.HandleFunc("GET /api/v1/circuit", handlers.Circuit.State)
		mux.HandleFunc("POST /api/v1/circuit/trip", handlers.Circuit.Trip)
		mux.HandleFunc("POST /api/v1/circuit/reset", handlers.Circuit.Reset)
		mux.HandleFunc("POST /api/v1/circuit/reopen", handlers.Circuit.Reopen)
	}

	// Destructive operations. Step-up verification happens inside the guard.
	if handlers.Admin != nil {
		mux.HandleFunc("POST /api/v1/admin/cancel-all", handlers.Admin.CancelAll)
		mux.HandleFunc("POST /api/v1/admin/kill-switch", handlers.Admin.KillSwitch)
		mux.HandleFunc("POST /api/v1/positions/flatten-all", handlers.Admin.FlattenAll)
	}

	// Reconciliation endpoints.
	if handlers.Reconcile != nil {
		mux.HandleFunc("GET /api/v1/reconciliation/status", handlers.Reconcile.Status)
		mux.HandleFunc("POST /api/v1/reconciliation/run", handlers.Reconcile.Run)
	}

	// Orchestration run endpoints.
	if handlers.Runs != nil {
		mux.HandleFunc("POST /api/v1/orchestration/runs", handlers.Runs.Start)
		mux.HandleFunc("GET /api/v1/orchestration/runs", handlers.Runs.List)
		mux.HandleFunc("GET /api/v1/orchestration/runs/{run_id}", handlers.Runs.Get)
	}

	// Durable broker event stream, for consumers catching up after downtime.
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/v1/events", handlers.Events.List)
	}

	// Broker callbacks. Authenticated by HMAC signature, not by API key, so
	// the route is registered on the raw mux path checked in Auth below.
	if handlers.Webhook != nil {
		mux.HandleFunc("POST /webhooks/broker", handlers.Webhook.Receive)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain. Innermost runs last.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty). Health and broker
	// webhooks are exempt: liveness probes carry no credentials and webhook
	// deliveries are verified by signature instead.
	h = exempt(middleware.Auth(cfg.APIKey)(h), h, "/health", "/webhooks/")

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	// Apply rate limiting outermost so rejected requests stay cheap.
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, window, cfg.RateLimitFailOpen)(h)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// exempt routes requests whose path matches one of the prefixes to bare,
// bypassing guarded. Prefixes ending in "/" match as prefixes, others match
// the path exactly.
func exempt(guarded, bare http.Handler, prefixes ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range prefixes {
			if strings.HasSuffix(p, "/") {
				if strings.HasPrefix(r.URL.Path, p) {
					bare.ServeHTTP(w, r)
					return
				}
			} else if r.URL.Path == p {
				bare.ServeHTTP(w, r)
				return
			}
		}
		guarded.ServeHTTP(w, r)
	})
}
