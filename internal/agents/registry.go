package agents

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/autonomous-butler/butler-core/internal/core"
)

// Factory builds a backend from an agent's configuration.
type Factory func(agent core.AgentConfig, ssh core.SSHConfig) (Backend, error)

// Registry maps backend type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry knows the noop, exec, http and ssh backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("noop", func(core.AgentConfig, core.SSHConfig) (Backend, error) { return NoopBackend{}, nil })
	r.Register("exec", newExecFromConfig)
	r.Register("http", newHTTPFromConfig)
	r.Register("ssh", newSSHFromConfig)
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("backend not registered: %s", name)
	}
	return f, nil
}

// Names lists registered backend types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build creates the agent described by cfg. The kind defaults to the agent
// id.
func (r *Registry) Build(cfg core.AgentConfig, ssh core.SSHConfig) (*Agent, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = cfg.ID
	}
	typ := cfg.Backend.Type
	if typ == "" {
		typ = "noop"
	}
	f, err := r.Get(typ)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.ID, err)
	}
	backend, err := f(cfg, ssh)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.ID, err)
	}
	a, err := New(cfg.ID, kind, backend)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.ID, err)
	}
	return a, nil
}

// Descriptor merges configured overrides into the agent's defaults.
func Descriptor(a *Agent, cfg core.AgentConfig) core.AgentDescriptor {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	desc := a.Descriptor(maxConcurrent)
	if cfg.Name != "" {
		desc.Name = cfg.Name
	}
	if cfg.Description != "" {
		desc.Description = cfg.Description
	}
	if cfg.Class != "" {
		desc.Class = cfg.Class
	}
	if len(cfg.Capabilities) > 0 {
		desc.Capabilities = cfg.Capabilities
	}
	if cfg.Disabled {
		desc.Status = core.AgentDisabled
	}
	return desc
}

// RegisterAll builds every configured agent and registers it with o, in
// configuration order.
func RegisterAll(o *core.Orchestrator, cfg core.Config, r *Registry) error {
	if r == nil {
		r = DefaultRegistry()
	}
	for _, ac := range cfg.Agents {
		a, err := r.Build(ac, cfg.SSH)
		if err != nil {
			return err
		}
		if err := o.RegisterAgent(Descriptor(a, ac), a); err != nil {
			return fmt.Errorf("register %s: %w", ac.ID, err)
		}
	}
	return nil
}

func newExecFromConfig(cfg core.AgentConfig, _ core.SSHConfig) (Backend, error) {
	if cfg.Backend.Command == "" {
		return nil, fmt.Errorf("exec backend: command is required")
	}
	return &ExecBackend{
		Command:        cfg.Backend.Command,
		Args:           cfg.Backend.Args,
		Env:            cfg.Backend.Env,
		WorkDir:        cfg.Backend.WorkDir,
		FatalExitCodes: cfg.Backend.FatalExitCodes,
	}, nil
}

func newHTTPFromConfig(cfg core.AgentConfig, _ core.SSHConfig) (Backend, error) {
	if cfg.Backend.URL == "" {
		return nil, fmt.Errorf("http backend: url is required")
	}
	return NewHTTPBackend(cfg.Backend.URL, cfg.Backend.Token, cfg.Backend.Retries), nil
}

func newSSHFromConfig(cfg core.AgentConfig, ssh core.SSHConfig) (Backend, error) {
	b := cfg.Backend
	keyPath := b.KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(ssh.KeyDir, "id_ed25519")
	}
	return NewSSHBackend(SSHOptions{
		Host:           b.Host,
		Port:           b.Port,
		User:           b.User,
		KeyPath:        keyPath,
		KnownHosts:     ssh.KnownHosts,
		Timeout:        ssh.Timeout,
		Retries:        ssh.Retries,
		Command:        b.Command,
		Args:           b.Args,
		Env:            b.Env,
		WorkDir:        b.WorkDir,
		RemoteDir:      b.RemoteDir,
		FatalExitCodes: b.FatalExitCodes,
	})
}
