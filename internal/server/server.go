package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/internal/telemetry"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	Version string

	orch  *core.Orchestrator
	store *core.Store
	mux   *http.ServeMux
	srv   *http.Server
}

// New builds the API server. store may be nil, which disables the history
// endpoints.
func New(o *core.Orchestrator, store *core.Store, version string) *Server {
	s := &Server{Version: version, orch: o, store: store, mux: http.NewServeMux()}
	s.routes()
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) routes() {
	s.handle("GET /{$}", s.handleRoot)
	s.handle("GET /health", s.handleHealth)
	s.handle("GET /api/v1/agents", s.handleAgents)
	s.handle("PUT /api/v1/agents/{id}/status", s.handleAgentStatus)
	s.handle("GET /api/v1/status", s.handleStatus)
	s.handle("POST /api/v1/tasks", s.handleSubmit)
	s.handle("GET /api/v1/tasks", s.handleTasks)
	s.handle("GET /api/v1/tasks/{id}", s.handleTask)
	s.handle("DELETE /api/v1/tasks/{id}", s.handleCancel)
	s.handle("GET /api/v1/tasks/{id}/history", s.handleTaskHistory)
	s.handle("GET /api/v1/history", s.handleHistory)
}

// handle registers h under pattern with request logging and metrics labeled
// by the pattern.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, instrument(pattern, h))
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until Shutdown. A Shutdown that happens first makes
// it return nil at once.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		labels := map[string]string{
			"route":  route,
			"status": strconv.Itoa(rec.status),
		}
		telemetry.CounterGlobal("butler_http_requests_total", 1, labels)
		telemetry.TimerGlobal("butler_http_request_duration_seconds", elapsed, labels)

		ev := log.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("HTTP request")
	})
}
