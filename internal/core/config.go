package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of the butler server.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agents       []AgentConfig      `yaml:"agents"`
	SSH          SSHConfig          `yaml:"ssh"`
	Store        StoreConfig        `yaml:"store"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type OrchestratorConfig struct {
	Tick           time.Duration            `yaml:"tick"`
	MaxAttempts    int                      `yaml:"max_attempts"`
	BackoffBase    time.Duration            `yaml:"backoff_base"`
	BackoffMax     time.Duration            `yaml:"backoff_max"`
	BackoffJitter  float64                  `yaml:"backoff_jitter"`
	Window         time.Duration            `yaml:"window"`
	DefaultTimeout time.Duration            `yaml:"default_timeout"`
	Timeouts       map[string]time.Duration `yaml:"timeouts"`
}

// AgentConfig declares one agent and the backend that does its work.
type AgentConfig struct {
	ID            string        `yaml:"id"`
	Kind          string        `yaml:"kind"`
	Name          string        `yaml:"name"`
	Description   string        `yaml:"description"`
	Class         string        `yaml:"class"`
	Capabilities  []string      `yaml:"capabilities"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	Disabled      bool          `yaml:"disabled"`
	Backend       BackendConfig `yaml:"backend"`
}

// BackendConfig selects and configures an agent backend. Fields apply to the
// backend types noted.
type BackendConfig struct {
	Type string `yaml:"type"` // noop, exec, http, ssh

	// exec and ssh
	Command        string            `yaml:"command,omitempty"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	WorkDir        string            `yaml:"workdir,omitempty"`
	FatalExitCodes []int             `yaml:"fatal_exit_codes,omitempty"`

	// http
	URL     string `yaml:"url,omitempty"`
	Token   string `yaml:"token,omitempty"`
	Retries int    `yaml:"retries,omitempty"`

	// ssh
	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	User      string `yaml:"user,omitempty"`
	KeyPath   string `yaml:"key_path,omitempty"`
	RemoteDir string `yaml:"remote_dir,omitempty"`
}

type SSHConfig struct {
	KeyDir     string        `yaml:"key_dir"`
	KnownHosts string        `yaml:"known_hosts"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ConfigDir returns $XDG_CONFIG_HOME/butler or ~/.config/butler.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "butler")
}

// DefaultConfigPath is where LoadConfig looks when no path is given.
func DefaultConfigPath() string { return filepath.Join(ConfigDir(), "config.yaml") }

// DefaultConfig returns a runnable configuration with the six built-in agents
// on the noop backend.
func DefaultConfig() Config {
	dir := ConfigDir()
	opts := DefaultOptions()
	return Config{
		Server: ServerConfig{Listen: ":8000"},
		Orchestrator: OrchestratorConfig{
			Tick:           opts.Tick,
			MaxAttempts:    opts.MaxAttempts,
			BackoffBase:    opts.Backoff.Base,
			BackoffMax:     opts.Backoff.Max,
			BackoffJitter:  0.1,
			Window:         opts.Window,
			DefaultTimeout: opts.DefaultTimeout,
			Timeouts: map[string]time.Duration{
				"quick":    30 * time.Second,
				"standard": 5 * time.Minute,
				"long":     30 * time.Minute,
			},
		},
		Agents: []AgentConfig{
			{ID: "devops", Kind: "devops", Class: "long", Capabilities: []string{"devops"}, MaxConcurrent: 2, Backend: BackendConfig{Type: "noop"}},
			{ID: "revenue", Kind: "revenue", Class: "standard", Capabilities: []string{"revenue"}, MaxConcurrent: 4, Backend: BackendConfig{Type: "noop"}},
			{ID: "security", Kind: "security", Class: "long", Capabilities: []string{"security"}, MaxConcurrent: 2, Backend: BackendConfig{Type: "noop"}},
			{ID: "infrastructure", Kind: "infrastructure", Class: "standard", Capabilities: []string{"infrastructure"}, MaxConcurrent: 2, Backend: BackendConfig{Type: "noop"}},
			{ID: "pm", Kind: "pm", Class: "quick", Capabilities: []string{"pm"}, MaxConcurrent: 4, Backend: BackendConfig{Type: "noop"}},
			{ID: "support", Kind: "support", Class: "quick", Capabilities: []string{"support"}, MaxConcurrent: 8, Backend: BackendConfig{Type: "noop"}},
		},
		SSH: SSHConfig{
			KeyDir:     filepath.Join(dir, "ssh"),
			KnownHosts: filepath.Join(dir, "known_hosts"),
			Timeout:    30 * time.Second,
			Retries:    2,
		},
		Store:     StoreConfig{Enabled: true, Path: filepath.Join(dir, "butler.db")},
		Telemetry: TelemetryConfig{Enabled: true, Listen: ":9090"},
	}
}

// LoadConfig reads YAML configuration from a path. If path is empty it
// resolves DefaultConfigPath, and a missing default file yields the defaults.
// Fields left out of the file keep their default values. Environment and
// secrets.env overrides are applied last.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Keep tokens out of YAML: secrets.env and the environment win.
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("BUTLER_AGENT_TOKEN"); v != "" {
		secrets["BUTLER_AGENT_TOKEN"] = v
	}
	if t := secrets["BUTLER_AGENT_TOKEN"]; t != "" {
		for i := range cfg.Agents {
			if cfg.Agents[i].Backend.Type == "http" && cfg.Agents[i].Backend.Token == "" {
				cfg.Agents[i].Backend.Token = t
			}
		}
	}
	if v := os.Getenv("BUTLER_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("BUTLER_DB"); v != "" {
		cfg.Store.Path = v
		cfg.Store.Enabled = true
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the orchestrator cannot run
// with.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return ValidationError{Field: "server.listen", Message: "listen address is required"}
	}
	if c.Orchestrator.MaxAttempts < 0 {
		return ValidationError{Field: "orchestrator.max_attempts", Value: fmt.Sprint(c.Orchestrator.MaxAttempts), Message: "must not be negative"}
	}
	if c.Orchestrator.BackoffJitter < 0 || c.Orchestrator.BackoffJitter > 1 {
		return ValidationError{Field: "orchestrator.backoff_jitter", Value: fmt.Sprint(c.Orchestrator.BackoffJitter), Message: "must be between 0 and 1"}
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return ValidationError{Field: "agents.id", Message: "agent id is required"}
		}
		if seen[a.ID] {
			return ValidationError{Field: "agents.id", Value: a.ID, Message: "duplicate agent id"}
		}
		seen[a.ID] = true
		switch a.Backend.Type {
		case "", "noop", "exec", "http", "ssh":
		default:
			return ValidationError{Field: "agents.backend.type", Value: a.Backend.Type, Message: "unknown backend"}
		}
	}
	return nil
}

// OrchestratorOptions converts the orchestrator section into Options.
func (c Config) OrchestratorOptions() Options {
	oc := c.Orchestrator
	opts := DefaultOptions()
	if oc.Tick > 0 {
		opts.Tick = oc.Tick
	}
	if oc.MaxAttempts > 0 {
		opts.MaxAttempts = oc.MaxAttempts
	}
	if oc.BackoffBase > 0 {
		opts.Backoff.Base = oc.BackoffBase
	}
	if oc.BackoffMax > 0 {
		opts.Backoff.Max = oc.BackoffMax
	}
	opts.Backoff.Jitter = oc.BackoffJitter
	if oc.Window > 0 {
		opts.Window = oc.Window
	}
	if oc.DefaultTimeout > 0 {
		opts.DefaultTimeout = oc.DefaultTimeout
	}
	opts.Timeouts = oc.Timeouts
	return opts
}

// WriteConfig writes cfg as YAML, creating parent directories.
func WriteConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
