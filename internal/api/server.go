// Package api provides the marginalia REST API and websocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/FocuswithJustin/marginalia/internal/logging"
	"github.com/FocuswithJustin/marginalia/internal/workspace"
)

// Server serves one workspace over HTTP.
type Server struct {
	cfg     Config
	ws      *workspace.Workspace
	hub     *Hub
	started time.Time
}

// New returns a server for ws. Zero fields of cfg take DefaultConfig values.
func New(cfg Config, ws *workspace.Workspace) (*Server, error) {
	if err := ValidateAuthConfig(cfg.Auth); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	return &Server{cfg: cfg, ws: ws, hub: NewHub(), started: time.Now()}, nil
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = SecurityHeaders(s.routes())

	if s.cfg.Auth.Enabled {
		handler = AuthMiddleware(s.cfg.Auth, handler)
		logging.SecurityEvent("authentication_configured", "api", "enabled", true)
	}

	if s.cfg.RateLimitRequests > 0 {
		rl := NewRateLimiter(RateLimiterConfig{
			RequestsPerMinute: s.cfg.RateLimitRequests,
			BurstSize:         s.cfg.RateLimitBurst,
		})
		handler = rl.Middleware(handler)
		logging.Info("rate limiting enabled",
			"requests_per_minute", rl.config.RequestsPerMinute,
			"burst_size", rl.config.BurstSize)
	}

	handler = CORSMiddleware(s.cfg.AllowedOrigins, handler)
	return logging.Middleware(handler)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /components", s.handleComponents)
	mux.HandleFunc("GET /documents", s.handleListDocuments)
	mux.HandleFunc("POST /documents", s.handleCreateDocument)
	mux.HandleFunc("GET /documents/{id}", s.handleGetDocument)
	mux.HandleFunc("DELETE /documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("GET /documents/{id}/annotations", s.handleListAnnotations)
	mux.HandleFunc("POST /documents/{id}/annotations", s.handleApply)
	mux.HandleFunc("DELETE /documents/{id}/annotations", s.handleUnannotate)
	mux.HandleFunc("PUT /documents/{id}/payloads/{pid}", s.handleUpdatePayload)
	mux.HandleFunc("DELETE /documents/{id}/payloads/{pid}", s.handleRemovePayload)
	mux.HandleFunc("GET /documents/{id}/render", s.handleRender)
	mux.HandleFunc("GET /documents/{id}/state", s.handleState)
	mux.HandleFunc("PUT /documents/{id}/state", s.handleImportState)
	mux.HandleFunc("GET /documents/{id}/revisions", s.handleRevisions)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
	})

	return mux
}

// Serve runs the hub and serves on ln until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.Run(ctx)
	unsubscribe := s.ws.Subscribe(s.hub.Publish)
	defer unsubscribe()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	if len(s.cfg.AllowedOrigins) == 0 {
		logging.SecurityEvent("cors_configured", "api",
			"mode", "permissive",
			"note", "allowing all origins (*) - consider restricting for production")
	}
	logging.ServerStartup("rest_api", "http", s.cfg.Port, "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ListenAndServe listens on cfg.Port and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
