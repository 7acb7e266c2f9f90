package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autonomous-butler/butler-core/internal/agents"
	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/internal/telemetry"
	"github.com/autonomous-butler/butler-core/pkg/api"
)

// maxRequestBytes bounds a run request body.
const maxRequestBytes = 4 << 20

// Server is the butler-agent daemon. It performs actions sent by the
// orchestrator's http backend through a local backend, usually exec.
type Server struct {
	Version string
	// Backend runs the actions. Nil means the noop backend.
	Backend agents.Backend
	// Token, when set, must accompany every request as a bearer token or an
	// X-Auth-Token header.
	Token string
	// Metrics, when set, is served on GET /metrics without authentication.
	Metrics http.Handler

	inflight atomic.Int64

	mu  sync.Mutex
	srv *http.Server
}

// TokenFromEnv reads BUTLER_AGENT_TOKEN.
func TokenFromEnv() string { return os.Getenv("BUTLER_AGENT_TOKEN") }

func (s *Server) backend() agents.Backend {
	if s.Backend == nil {
		return agents.NoopBackend{}
	}
	return s.Backend
}

// Handler returns the daemon's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v0/heartbeat", s.authorized(s.heartbeat))
	mux.HandleFunc("POST /v0/run", s.authorized(s.run))
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics)
	}
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			auth := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if auth != "Bearer "+s.Token && x != s.Token {
				telemetry.CounterGlobal("butler_agent_daemon_unauthorized_total", 1, map[string]string{"endpoint": r.URL.Path})
				writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	telemetry.CounterGlobal("butler_agent_daemon_heartbeats_total", 1, nil)

	host, _ := os.Hostname()
	if host == "" {
		host = r.Host
	}
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{
		Time:    time.Now().UTC(),
		Host:    host,
		Version: s.Version,
		Backend: s.backend().Name(),
	})

	telemetry.TimerGlobal("butler_agent_daemon_request_duration_seconds", time.Since(start), map[string]string{
		"endpoint": "heartbeat",
		"status":   "200",
	})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) {
	requestStart := time.Now()
	defer r.Body.Close()

	var req api.RunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		telemetry.CounterGlobal("butler_agent_daemon_errors_total", 1, map[string]string{"error": "decode_request"})
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	if req.Action == "" {
		telemetry.CounterGlobal("butler_agent_daemon_errors_total", 1, map[string]string{"error": "missing_action"})
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "action is required"})
		return
	}

	ctx := r.Context()
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	inv := agents.Invocation{AgentID: req.AgentID, Kind: req.Kind, Action: req.Action, Payload: req.Payload}
	telemetry.GaugeGlobal("butler_agent_daemon_runs_in_flight", float64(s.inflight.Add(1)), nil)
	execStart := time.Now()
	out, err := s.backend().Invoke(ctx, inv)
	execDuration := time.Since(execStart)
	telemetry.GaugeGlobal("butler_agent_daemon_runs_in_flight", float64(s.inflight.Add(-1)), nil)

	resp := api.RunResponse{DurationMS: execDuration.Milliseconds()}
	status := "success"
	if err != nil {
		status = "error"
		resp.Permanent = core.IsPermanent(err)
		var xerr *agents.ExitError
		switch {
		case errors.As(err, &xerr):
			resp.ExitCode = xerr.Code
			resp.Stderr = xerr.Stderr
		case ctx.Err() != nil:
			resp.ExitCode = -1
			resp.Error = ctx.Err().Error()
		default:
			resp.ExitCode = -1
			resp.Error = err.Error()
		}
		if resp.Permanent {
			status = "fatal"
		}
	} else {
		resp.Output = api.Raw(out)
	}

	labels := map[string]string{
		"kind":   req.Kind,
		"action": req.Action,
		"status": status,
	}
	telemetry.CounterGlobal("butler_agent_daemon_runs_total", 1, labels)
	telemetry.TimerGlobal("butler_agent_daemon_run_duration_seconds", execDuration, labels)
	telemetry.HistogramGlobal("butler_agent_daemon_output_bytes", float64(len(out)), map[string]string{"kind": req.Kind})
	telemetry.TimerGlobal("butler_agent_daemon_request_duration_seconds", time.Since(requestStart), map[string]string{
		"endpoint": "run",
		"status":   strconv.Itoa(http.StatusOK),
	})

	log.Debug().
		Str("agent", req.AgentID).
		Str("action", req.Action).
		Int("exit_code", resp.ExitCode).
		Dur("duration", execDuration).
		Msg("Action finished")
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	srv := s.setServer(&http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second})
	log.Info().Str("addr", addr).Str("backend", s.backend().Name()).Msg("Starting agent")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}

func (s *Server) setServer(srv *http.Server) *http.Server {
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	return srv
}
