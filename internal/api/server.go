package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/haondt/talaria/internal/events"
	"github.com/haondt/talaria/internal/logging"
	"github.com/haondt/talaria/internal/orchestrator"
	"github.com/haondt/talaria/internal/store"
	"github.com/haondt/talaria/internal/webhook"
)

// Server is a thin HTTP wrapper: it exposes the scan
// trigger, the webhook reconciler, a health check, a paginated commit
// listing, and a long-lived event stream, none of which participate in
// the scheduler/scanner's own correctness.
type Server struct {
	orchestrator  *orchestrator.Orchestrator
	store         *store.Store
	webhook       *webhook.Reconciler
	bus           *events.Bus
	webhookAPIKey string
	staticDir     string

	httpServer  *http.Server
	rateLimiter *PathRateLimiter
}

// Config holds the dependencies NewServer wires into a Server.
type Config struct {
	Port             int
	Orchestrator     *orchestrator.Orchestrator
	Store            *store.Store
	Webhook          *webhook.Reconciler
	Bus              *events.Bus
	WebhookAPIKey    string
	StaticDir        string
	DisableRateLimit bool
}

// NewServer builds a Server and its middleware chain from cfg.
func NewServer(cfg Config) *Server {
	s := &Server{
		orchestrator:  cfg.Orchestrator,
		store:         cfg.Store,
		webhook:       cfg.Webhook,
		bus:           cfg.Bus,
		webhookAPIKey: cfg.WebhookAPIKey,
		staticDir:     cfg.StaticDir,
	}

	var rateLimiter *PathRateLimiter
	if !cfg.DisableRateLimit {
		rateLimiter = NewPathRateLimiter(DefaultRateLimitConfig())
		rateLimiter.SetPathLimit("/ws", RateLimitConfig{
			RequestsPerMinute: 10,
			BurstSize:         5,
			CleanupInterval:   5 * time.Minute,
		})
		rateLimiter.SetPathLimit("/hc", RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         20,
			CleanupInterval:   5 * time.Minute,
		})
	}
	s.rateLimiter = rateLimiter

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	middlewares := []func(http.Handler) http.Handler{
		corsMiddleware,
		CorrelationIDMiddleware,
		RequestLoggingMiddleware,
	}
	if rateLimiter != nil {
		middlewares = append(middlewares, PathRateLimitMiddleware(rateLimiter))
	}
	handler := ChainMiddleware(mux, middlewares...)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /ws holds the connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /hc", s.handleHealth)
	mux.HandleFunc("GET /", s.handleListCommits)
	mux.HandleFunc("POST /run-scan", s.handleRunScan)
	mux.HandleFunc("POST /api/webhooks/gitlab", s.handleGitlabWebhook)
	mux.HandleFunc("GET /ws", s.handleWS)

	if s.staticDir != "" {
		if _, err := os.Stat(s.staticDir); err == nil {
			mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))
		} else {
			logging.Default().Warn("static directory %s not found, /static will 404", s.staticDir)
		}
	}
}

// Start runs the HTTP listener until it is shut down.
func (s *Server) Start() error {
	logging.Default().Info("starting HTTP server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener and rate limiter cleanup loop.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Default().Info("shutting down HTTP server")
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds permissive, development-friendly CORS headers.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
