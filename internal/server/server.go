// Package server exposes the agent runtime over HTTP: streaming and
// blocking chat, stop, rollback, permission decisions, and session
// management.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/internal/permission"
	"github.com/haasonsaas/anvil/internal/runtime"
	"github.com/haasonsaas/anvil/internal/store"
)

// Server is the HTTP surface over the runtime.
type Server struct {
	runtime *runtime.Runtime
	broker  *permission.Broker
	store   *store.Store
	metrics *observability.Metrics
	logger  *slog.Logger

	httpServer *http.Server
}

// New wires the server. metrics may be nil.
func New(rt *runtime.Runtime, broker *permission.Broker, st *store.Store,
	metrics *observability.Metrics, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runtime: rt,
		broker:  broker,
		store:   st,
		metrics: metrics,
		logger:  logger.With("component", "http_server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/stream", s.instrument("/v1/chat/stream", s.handleChatStream))
	mux.HandleFunc("POST /v1/chat", s.instrument("/v1/chat", s.handleChat))
	mux.HandleFunc("POST /v1/chat/stop", s.instrument("/v1/chat/stop", s.handleStop))
	mux.HandleFunc("POST /v1/chat/rollback", s.instrument("/v1/chat/rollback", s.handleRollback))

	mux.HandleFunc("GET /v1/permissions", s.instrument("/v1/permissions", s.handleListPermissions))
	mux.HandleFunc("POST /v1/permissions/{id}", s.instrument("/v1/permissions/{id}", s.handleDecidePermission))

	mux.HandleFunc("GET /v1/sessions", s.instrument("/v1/sessions", s.handleListSessions))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.instrument("/v1/sessions/{id}", s.handleDeleteSession))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("starting http server", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// instrument records request count and latency per route pattern.
func (s *Server) instrument(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, pattern,
			strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}

// statusRecorder captures the response code. Flush is forwarded so SSE
// handlers keep streaming through the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
