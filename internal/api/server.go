package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/psu-control/psuctl/internal/auth"
	"github.com/psu-control/psuctl/internal/command"
	"github.com/psu-control/psuctl/internal/config"
)

// Server is the HTTP API server.
type Server struct {
	httpServer     *http.Server
	orchestrator   command.Port
	telemetryHub   TelemetryPort
	metrics        http.Handler
	authMiddleware *auth.Middleware
	log            zerolog.Logger
	cfg            config.APIConfig
	startTime      time.Time
}

// Options holds the optional collaborators of a Server.
type Options struct {
	Telemetry TelemetryPort
	Metrics   http.Handler
	Auth      *auth.Middleware
	Logger    zerolog.Logger
}

// NewServer creates an API server. A nil Auth disables authentication.
func NewServer(cfg config.APIConfig, orchestrator command.Port, opts Options) *Server {
	authMiddleware := opts.Auth
	if authMiddleware == nil {
		authMiddleware = auth.NewMiddleware(nil)
	}
	return &Server{
		orchestrator:   orchestrator,
		telemetryHub:   opts.Telemetry,
		metrics:        opts.Metrics,
		authMiddleware: authMiddleware,
		log:            opts.Logger.With().Str("component", "api").Logger(),
		cfg:            cfg,
		startTime:      time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

// Start serves on the configured address until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(listener)
}

// Serve serves on listener until Stop.
func (s *Server) Serve(listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.log.Info().Str("addr", listener.Addr().String()).Msg("HTTP API listening")
	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
