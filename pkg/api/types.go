package api

import (
	"encoding/json"
	"time"
)

// v1 wire types shared by the butler server and its clients.

const (
	ServiceName = "Autonomous Butler Core"
	ServiceID   = "autonomous-butler-core"
)

type ServiceInfo struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Agent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Status        string   `json:"status"`
	Class         string   `json:"class,omitempty"`
	Capabilities  []string `json:"capabilities"`
	MaxConcurrent int      `json:"max_concurrent"`
	Load          int      `json:"load"`
}

type AgentList struct {
	Agents []Agent `json:"agents"`
}

// TaskRequest submits work. Payload is passed to the agent untouched; the
// built-in agents expect {"action": "...", ...}.
type TaskRequest struct {
	ID          string          `json:"id,omitempty"`
	Capability  string          `json:"capability"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

type Task struct {
	ID          string          `json:"id"`
	Capability  string          `json:"capability"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	AgentID     string          `json:"agent_id,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
}

type TaskList struct {
	Tasks []Task `json:"tasks"`
}

type Event struct {
	Kind       string    `json:"kind"`
	TaskID     string    `json:"task_id"`
	Capability string    `json:"capability"`
	AgentID    string    `json:"agent_id,omitempty"`
	From       string    `json:"from,omitempty"`
	State      string    `json:"state,omitempty"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	At         time.Time `json:"at"`
}

type History struct {
	Events []Event `json:"events"`
}

// Raw returns b as JSON: valid JSON is embedded as is, anything else is
// encoded as a string.
func Raw(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	s, _ := json.Marshal(string(b))
	return s
}

// AgentStatusRequest enables or disables an agent.
type AgentStatusRequest struct {
	Status string `json:"status"`
}
