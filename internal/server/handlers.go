package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/pkg/api"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.ServiceInfo{
		Service: api.ServiceName,
		Status:  core.StatusOperational,
		Version: s.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, api.Health{Status: "unhealthy", Service: api.ServiceID})
		return
	}
	writeJSON(w, http.StatusOK, api.Health{Status: "healthy", Service: api.ServiceID})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	descs := s.orch.Agents()
	out := api.AgentList{Agents: make([]api.Agent, 0, len(descs))}
	for _, d := range descs {
		out.Agents = append(out.Agents, toAPIAgent(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req api.AgentStatusRequest
	if !decode(w, r, &req) {
		return
	}
	status := core.AgentStatus(req.Status)
	if !status.Valid() {
		writeError(w, core.ValidationError{Field: "status", Value: req.Status, Message: "must be active or disabled"})
		return
	}
	id := r.PathValue("id")
	if err := s.orch.SetAgentStatus(id, status); err != nil {
		writeError(w, err)
		return
	}
	for _, d := range s.orch.Agents() {
		if d.ID == id {
			writeJSON(w, http.StatusOK, toAPIAgent(d))
			return
		}
	}
	writeError(w, core.ErrUnknownAgent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.TaskRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Payload != nil && !json.Valid(req.Payload) {
		writeError(w, core.ValidationError{Field: "payload", Message: "must be valid JSON"})
		return
	}
	task, err := s.orch.Submit(core.Task{
		ID:          req.ID,
		Capability:  req.Capability,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("task", task.ID).Str("capability", task.Capability).Msg("Task accepted")
	writeJSON(w, http.StatusCreated, toAPITask(task))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.TaskFilter{Capability: q.Get("capability")}
	if raw := q.Get("state"); raw != "" {
		f.State = core.TaskState(raw)
		if !f.State.Valid() {
			writeError(w, core.ValidationError{Field: "state", Value: raw, Message: "unknown task state"})
			return
		}
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	f.Limit = limit
	tasks := s.orch.Tasks(f)
	out := api.TaskList{Tasks: make([]api.Task, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, toAPITask(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Task(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPITask(task))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("task", task.ID).Str("state", string(task.State)).Msg("Task cancel requested")
	writeJSON(w, http.StatusOK, toAPITask(task))
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.orch.Task(id); err != nil {
		writeError(w, err)
		return
	}
	s.history(w, r, id)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, "")
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, taskID string) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: "history store disabled"})
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	events, err := s.store.History(r.Context(), core.HistoryQuery{TaskID: taskID, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	out := api.History{Events: make([]api.Event, 0, len(events))}
	for _, ev := range events {
		out.Events = append(out.Events, toAPIEvent(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, core.ValidationError{Field: "limit", Value: raw, Message: "must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: fmt.Sprintf("invalid json: %v", err)})
		return false
	}
	return true
}

// statusFor maps orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	var verr core.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrDuplicateTask),
		errors.Is(err, core.ErrDuplicateAgent),
		errors.Is(err, core.ErrAgentBusy),
		errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnknownTask), errors.Is(err, core.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, core.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
