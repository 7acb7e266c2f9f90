// Package agents provides the built-in agent variants and the backends that
// do their work.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/internal/telemetry"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownAction  = errors.New("unknown action")
	ErrUnknownKind    = errors.New("unknown agent kind")
)

// Invocation is one validated request for an agent action.
type Invocation struct {
	AgentID string
	Kind    string
	Action  string
	// Payload is the task payload as submitted, including the action field.
	Payload json.RawMessage
}

// Backend performs agent actions. Errors wrapped with core.Permanent are not
// retried.
type Backend interface {
	Name() string
	Invoke(ctx context.Context, inv Invocation) ([]byte, error)
}

// Kind describes an agent variant: the actions it accepts and the payload
// fields each action requires.
type Kind struct {
	Name        string
	Title       string
	Description string
	Class       string
	Actions     map[string][]string
}

// ActionNames returns the kind's actions sorted.
func (k Kind) ActionNames() []string {
	names := make([]string, 0, len(k.Actions))
	for a := range k.Actions {
		names = append(names, a)
	}
	sort.Strings(names)
	return names
}

const (
	KindDevOps         = "devops"
	KindRevenue        = "revenue"
	KindSecurity       = "security"
	KindInfrastructure = "infrastructure"
	KindPM             = "pm"
	KindSupport        = "support"
)

var kindOrder = []string{KindDevOps, KindRevenue, KindSecurity, KindInfrastructure, KindPM, KindSupport}

var kinds = map[string]Kind{
	KindDevOps: {
		Name: KindDevOps, Title: "DevOps Agent", Description: "Deployments, rollbacks, scaling", Class: "long",
		Actions: map[string][]string{
			"deploy":   {"service", "version"},
			"rollback": {"service"},
			"scale":    {"service", "replicas"},
		},
	},
	KindRevenue: {
		Name: KindRevenue, Title: "Revenue Agent", Description: "Payment retry, churn prevention", Class: "standard",
		Actions: map[string][]string{
			"retry_payment": {"invoice_id"},
			"churn_check":   {"customer_id"},
		},
	},
	KindSecurity: {
		Name: KindSecurity, Title: "Security Agent", Description: "Vulnerability scanning, patching", Class: "long",
		Actions: map[string][]string{
			"scan":  {"target"},
			"patch": {"target", "cve"},
		},
	},
	KindInfrastructure: {
		Name: KindInfrastructure, Title: "Infrastructure Agent", Description: "Self-healing, auto-scaling", Class: "standard",
		Actions: map[string][]string{
			"heal":      {"resource"},
			"autoscale": {"resource"},
		},
	},
	KindPM: {
		Name: KindPM, Title: "PM Agent", Description: "Ticket automation, sprint reports", Class: "quick",
		Actions: map[string][]string{
			"ticket":        {"title"},
			"sprint_report": {"sprint"},
		},
	},
	KindSupport: {
		Name: KindSupport, Title: "Support Agent", Description: "RAG Q&A, auto-responses", Class: "quick",
		Actions: map[string][]string{
			"answer":       {"question"},
			"auto_respond": {"ticket_id"},
		},
	},
}

// Kinds lists the built-in kinds in their canonical order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindOrder))
	for _, name := range kindOrder {
		out = append(out, kinds[name])
	}
	return out
}

// LookupKind returns the kind with the given name.
func LookupKind(name string) (Kind, bool) {
	k, ok := kinds[name]
	return k, ok
}

// Agent is a built-in agent variant. It validates the payload envelope and
// hands the invocation to its backend.
type Agent struct {
	id      string
	kind    Kind
	backend Backend
}

// New creates an agent of the named kind.
func New(id, kind string, backend Backend) (*Agent, error) {
	k, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if backend == nil {
		backend = NoopBackend{}
	}
	if id == "" {
		id = k.Name
	}
	return &Agent{id: id, kind: k, backend: backend}, nil
}

func mustNew(id, kind string, backend Backend) *Agent {
	a, err := New(id, kind, backend)
	if err != nil {
		panic(err)
	}
	return a
}

// NewDevOpsAgent handles deployments, rollbacks and scaling.
func NewDevOpsAgent(id string, b Backend) *Agent { return mustNew(id, KindDevOps, b) }

// NewRevenueAgent handles payment retries and churn checks.
func NewRevenueAgent(id string, b Backend) *Agent { return mustNew(id, KindRevenue, b) }

// NewSecurityAgent handles vulnerability scans and patches.
func NewSecurityAgent(id string, b Backend) *Agent { return mustNew(id, KindSecurity, b) }

// NewInfrastructureAgent handles self-healing and autoscaling.
func NewInfrastructureAgent(id string, b Backend) *Agent { return mustNew(id, KindInfrastructure, b) }

// NewPMAgent handles tickets and sprint reports.
func NewPMAgent(id string, b Backend) *Agent { return mustNew(id, KindPM, b) }

// NewSupportAgent answers questions and support tickets.
func NewSupportAgent(id string, b Backend) *Agent { return mustNew(id, KindSupport, b) }

func (a *Agent) ID() string { return a.id }

func (a *Agent) Kind() Kind { return a.kind }

func (a *Agent) Backend() Backend { return a.backend }

// Descriptor returns a registry descriptor for the agent. The kind name is
// its capability tag.
func (a *Agent) Descriptor(maxConcurrent int) core.AgentDescriptor {
	return core.AgentDescriptor{
		ID:            a.id,
		Name:          a.kind.Title,
		Description:   a.kind.Description,
		Class:         a.kind.Class,
		Capabilities:  []string{a.kind.Name},
		MaxConcurrent: maxConcurrent,
	}
}

// Parse validates payload against the agent's kind.
func (a *Agent) Parse(payload []byte) (Invocation, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return Invocation{}, fmt.Errorf("%w: expected a JSON object with an action", ErrInvalidPayload)
	}
	var action string
	if raw, ok := fields["action"]; !ok || json.Unmarshal(raw, &action) != nil || action == "" {
		return Invocation{}, fmt.Errorf("%w: action must be a non-empty string", ErrInvalidPayload)
	}
	required, ok := a.kind.Actions[action]
	if !ok {
		return Invocation{}, fmt.Errorf("%w %q for %s agent (want one of %s)", ErrUnknownAction, action, a.kind.Name, strings.Join(a.kind.ActionNames(), ", "))
	}
	var missing []string
	for _, f := range required {
		if v, ok := fields[f]; !ok || isEmpty(v) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return Invocation{}, fmt.Errorf("%w: %s requires %s", ErrInvalidPayload, action, strings.Join(missing, ", "))
	}
	return Invocation{AgentID: a.id, Kind: a.kind.Name, Action: action, Payload: json.RawMessage(payload)}, nil
}

func isEmpty(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s == "" || s == "null" || s == `""`
}

// Run implements core.Runner. Malformed payloads fail permanently.
func (a *Agent) Run(ctx context.Context, payload []byte) ([]byte, error) {
	inv, err := a.Parse(payload)
	if err != nil {
		telemetry.CounterGlobal("butler_agent_rejected_payloads_total", 1, map[string]string{"kind": a.kind.Name})
		return nil, core.Permanent(err)
	}
	scope := telemetry.NewTimerScope("butler_agent_invoke_duration_seconds", map[string]string{
		"kind":    a.kind.Name,
		"backend": a.backend.Name(),
	})
	out, err := a.backend.Invoke(ctx, inv)
	status := "success"
	switch {
	case err == nil:
	case core.IsPermanent(err):
		status = "fatal"
	default:
		status = "error"
	}
	scope.End(map[string]string{"status": status})
	return out, err
}
