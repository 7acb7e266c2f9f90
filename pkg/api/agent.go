package api

import (
	"encoding/json"
	"time"
)

// Wire types spoken between the http backend and butler-agent.

// HeartbeatResponse is what the daemon reports about itself.
type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
	Backend string    `json:"backend"`
}

// RunRequest asks the daemon to perform one agent action.
type RunRequest struct {
	AgentID        string          `json:"agent_id"`
	Kind           string          `json:"kind"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// RunResponse reports the action's result. Permanent tells the caller not to
// retry a failed run.
type RunResponse struct {
	ExitCode   int             `json:"exit_code"`
	Output     json.RawMessage `json:"output,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	Error      string          `json:"error,omitempty"`
	Permanent  bool            `json:"permanent,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}
