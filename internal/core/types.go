package core

import (
	"context"
	"time"
)

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskDispatched TaskState = "dispatched"
	TaskRunning    TaskState = "running"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
	TaskAbandoned  TaskState = "abandoned"
)

// TaskStates lists every state in lifecycle order.
var TaskStates = []TaskState{TaskPending, TaskDispatched, TaskRunning, TaskSucceeded, TaskFailed, TaskAbandoned}

func (s TaskState) index() int {
	for i, st := range TaskStates {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool { return s.index() >= 0 }

// Terminal reports whether no further transitions can happen.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskAbandoned
}

// Outcome classifies a single execution of a task.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_failure"
	OutcomeFatal     Outcome = "fatal_failure"
	OutcomeCanceled  Outcome = "canceled"
)

// Task is a unit of work destined for an agent with a matching capability.
type Task struct {
	ID          string    `json:"id"`
	Capability  string    `json:"capability"`
	Payload     []byte    `json:"payload,omitempty"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	State       TaskState `json:"state"`
	AgentID     string    `json:"agent_id,omitempty"`
	Output      []byte    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// NotBefore holds the task back from dispatch until the retry backoff elapses.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// ExecutionResult is the immutable record of one execution attempt.
type ExecutionResult struct {
	TaskID   string
	AgentID  string
	Outcome  Outcome
	Output   []byte
	Err      error
	Duration time.Duration
	// Settled is closed once the runner has returned. A runner that ignored a
	// timeout may still be working when the result is handled. Nil means the
	// runner has already returned.
	Settled <-chan struct{}
}

// ErrorText returns the error message or an empty string.
func (r ExecutionResult) ErrorText() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// AgentStatus is the administrative status of a registered agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentDisabled AgentStatus = "disabled"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool { return s == AgentActive || s == AgentDisabled }

// AgentDescriptor describes a registered agent and its live load.
type AgentDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	// Class selects the execution timeout applied by the supervisor.
	Class         string      `json:"class,omitempty"`
	Capabilities  []string    `json:"capabilities"`
	MaxConcurrent int         `json:"max_concurrent"`
	Load          int         `json:"load"`
	Status        AgentStatus `json:"status"`
}

// HasCapability reports whether the agent advertises tag.
func (d AgentDescriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Runner is the uniform capability interface every agent implements.
// Errors wrapped with Permanent are fatal; any other error is retried.
type Runner interface {
	Run(ctx context.Context, payload []byte) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, payload []byte) ([]byte, error) { return f(ctx, payload) }
