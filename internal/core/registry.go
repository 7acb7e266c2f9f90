package core

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// agentEntry holds one registered agent. Load and status are written under mu
// and may be read atomically without it.
type agentEntry struct {
	mu       sync.Mutex
	desc     AgentDescriptor
	runner   Runner
	order    uint64
	load     atomic.Int32
	disabled atomic.Bool
	removed  bool
}

func (e *agentEntry) snapshot() AgentDescriptor {
	d := e.desc
	d.Capabilities = append([]string(nil), e.desc.Capabilities...)
	d.Load = int(e.load.Load())
	d.Status = AgentActive
	if e.disabled.Load() {
		d.Status = AgentDisabled
	}
	return d
}

// Registry tracks known agents, their runners and live load.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	seq    uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*agentEntry)}
}

// Register adds an agent. The descriptor's Load is ignored; agents start idle.
func (r *Registry) Register(desc AgentDescriptor, runner Runner) error {
	if desc.ID == "" {
		return ValidationError{Field: "id", Message: "agent id is required"}
	}
	if desc.MaxConcurrent < 1 {
		return ValidationError{Field: "max_concurrent", Value: fmt.Sprint(desc.MaxConcurrent), Message: "must be at least 1"}
	}
	if runner == nil {
		return ValidationError{Field: "runner", Value: desc.ID, Message: "runner is required"}
	}
	caps := dedupe(desc.Capabilities)
	if len(caps) == 0 {
		return ValidationError{Field: "capabilities", Value: desc.ID, Message: "at least one capability tag is required"}
	}
	if desc.Status == "" {
		desc.Status = AgentActive
	}
	if !desc.Status.Valid() {
		return ValidationError{Field: "status", Value: string(desc.Status), Message: "unknown agent status"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[desc.ID]; ok {
		return fmt.Errorf("register %s: %w", desc.ID, ErrDuplicateAgent)
	}
	r.seq++
	desc.Capabilities = caps
	desc.Load = 0
	e := &agentEntry{desc: desc, runner: runner, order: r.seq}
	e.disabled.Store(desc.Status == AgentDisabled)
	r.agents[desc.ID] = e
	return nil
}

// Deregister removes an idle agent.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("deregister %s: %w", id, ErrUnknownAgent)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.load.Load() > 0 {
		return fmt.Errorf("deregister %s: %w", id, ErrAgentBusy)
	}
	e.removed = true
	delete(r.agents, id)
	return nil
}

func (r *Registry) entry(id string) (*agentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	return e, ok
}

// FindCapable returns active agents advertising tag that still have spare
// capacity, least loaded first. Ties keep registration order.
func (r *Registry) FindCapable(tag string) []AgentDescriptor {
	type candidate struct {
		desc  AgentDescriptor
		order uint64
	}
	var found []candidate

	r.mu.RLock()
	for _, e := range r.agents {
		if e.disabled.Load() || !e.desc.HasCapability(tag) {
			continue
		}
		if int(e.load.Load()) >= e.desc.MaxConcurrent {
			continue
		}
		found = append(found, candidate{desc: e.snapshot(), order: e.order})
	}
	r.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].desc.Load != found[j].desc.Load {
			return found[i].desc.Load < found[j].desc.Load
		}
		return found[i].order < found[j].order
	})
	out := make([]AgentDescriptor, len(found))
	for i, c := range found {
		out[i] = c.desc
	}
	return out
}

// UpdateLoad adjusts an agent's load by delta, keeping it within [0, max].
func (r *Registry) UpdateLoad(id string, delta int) (int, error) {
	e, ok := r.entry(id)
	if !ok {
		return 0, fmt.Errorf("update load %s: %w", id, ErrUnknownAgent)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return 0, fmt.Errorf("update load %s: %w", id, ErrUnknownAgent)
	}
	next := int(e.load.Load()) + delta
	if next < 0 || next > e.desc.MaxConcurrent {
		return int(e.load.Load()), fmt.Errorf("update load %s by %d: %w", id, delta, ErrCapacityExceeded)
	}
	e.load.Store(int32(next))
	return next, nil
}

// SetStatus enables or disables an agent. Disabled agents keep their in-flight
// work but receive no new dispatches.
func (r *Registry) SetStatus(id string, status AgentStatus) error {
	if !status.Valid() {
		return ValidationError{Field: "status", Value: string(status), Message: "unknown agent status"}
	}
	e, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("set status %s: %w", id, ErrUnknownAgent)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("set status %s: %w", id, ErrUnknownAgent)
	}
	e.disabled.Store(status == AgentDisabled)
	return nil
}

// Get returns a copy of the agent's descriptor.
func (r *Registry) Get(id string) (AgentDescriptor, error) {
	e, ok := r.entry(id)
	if !ok {
		return AgentDescriptor{}, fmt.Errorf("get agent %s: %w", id, ErrUnknownAgent)
	}
	return e.snapshot(), nil
}

// runner returns the agent's runner together with a descriptor snapshot.
func (r *Registry) runner(id string) (Runner, AgentDescriptor, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, AgentDescriptor{}, fmt.Errorf("runner %s: %w", id, ErrUnknownAgent)
	}
	return e.runner, e.snapshot(), nil
}

// List returns all agents in registration order.
func (r *Registry) List() []AgentDescriptor {
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]AgentDescriptor, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func dedupe(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
