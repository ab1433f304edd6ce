// Package web exposes the HTTP surface: the streaming chat endpoint, the
// session history endpoint, health, and metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fixerlabs/fixer/internal/agent"
	"github.com/fixerlabs/fixer/internal/config"
	"github.com/fixerlabs/fixer/internal/observability"
	"github.com/fixerlabs/fixer/internal/ratelimit"
	"github.com/fixerlabs/fixer/internal/sessions"
)

// AgentRunner runs one agent turn and streams the response.
type AgentRunner interface {
	Run(ctx context.Context, threadID string, content string) (<-chan *agent.ResponseChunk, error)
}

// Server hosts the HTTP API.
type Server struct {
	config   config.ServerConfig
	runner   AgentRunner
	sessions sessions.Store
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	logger   *slog.Logger

	httpServer *http.Server
}

// New creates a server. metrics may be nil to disable instrumentation.
func New(cfg config.ServerConfig, runner AgentRunner, store sessions.Store, limiter *ratelimit.Limiter, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   cfg,
		runner:   runner,
		sessions: store,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
	}
}

// Handler builds the route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/chat", s.rateLimitMiddleware(http.HandlerFunc(s.handleChat)))
	mux.HandleFunc("GET /api/chat/sessions/{threadId}", s.handleSessionHistory)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	if s.config.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	var handler http.Handler = mux
	handler = s.metricsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoverMiddleware(handler)
	return handler
}

// Start serves until ctx is cancelled, then shuts down gracefully within the
// configured timeout. Write timeouts are deliberately left unset: SSE
// streams stay open for the duration of an agent turn.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}
	s.httpServer = server

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("starting http server", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// writeJSONError writes a JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
