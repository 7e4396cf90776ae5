// Package config loads the Manifold configuration from
// ~/.manifold/manifold.yaml (or the XDG equivalent).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manifoldhq/manifold-core/paths"
)

// Defaults applied by Load when the file omits a field.
const (
	DefaultAgentCommand   = "manifold-agent"
	DefaultCredentialVar  = "MANIFOLD_API_KEY"
	DefaultDebounceWindow = 2 * time.Second
	DefaultCallTimeout    = 60 * time.Second
	DefaultIdleTimeout    = 30 * time.Minute
)

// Config is the top-level Manifold configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Sessions SessionsConfig `yaml:"sessions"`
	Debug    bool           `yaml:"debug,omitempty"`
}

// AgentConfig describes the agent child process to spawn.
type AgentConfig struct {
	Command string `yaml:"command"`
	// Args are passed to the command verbatim.
	Args []string `yaml:"args,omitempty"`
	// Env holds extra environment variables for the child.
	Env map[string]string `yaml:"env,omitempty"`
	// CredentialVar names the environment variable carrying the
	// credential. Left unset in the environment when Credential is
	// empty, letting the child fall back to its own discovery.
	CredentialVar string `yaml:"credential_var,omitempty"`
	Credential    string `yaml:"credential,omitempty"`
	// CallTimeout bounds each outbound call to the agent.
	CallTimeout *Duration `yaml:"call_timeout,omitempty"`
}

// SessionsConfig tunes per-session behavior.
type SessionsConfig struct {
	// DebounceWindow is the quiet period before a streamed response is
	// finalized.
	DebounceWindow *Duration `yaml:"debounce_window,omitempty"`
	// IdleTimeout is how long a session may sit idle before the reaper
	// closes it. Zero disables reaping.
	IdleTimeout *Duration `yaml:"idle_timeout,omitempty"`
}

// Duration is a wrapper around time.Duration that implements YAML
// unmarshaling from human-readable strings like "30m", "2h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads the config file from the standard location. A missing file
// yields the defaults; a malformed file is an error.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, fmt.Errorf("failed to locate config file: %w", err)
	}
	return LoadFile(path)
}

// LoadFile reads and validates a config file at an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Command == "" {
		c.Agent.Command = DefaultAgentCommand
	}
	if c.Agent.CredentialVar == "" {
		c.Agent.CredentialVar = DefaultCredentialVar
	}
	if c.Agent.CallTimeout == nil {
		c.Agent.CallTimeout = &Duration{DefaultCallTimeout}
	}
	if c.Sessions.DebounceWindow == nil {
		c.Sessions.DebounceWindow = &Duration{DefaultDebounceWindow}
	}
	if c.Sessions.IdleTimeout == nil {
		c.Sessions.IdleTimeout = &Duration{DefaultIdleTimeout}
	}
}

// Validate checks the configuration for values that would misbehave at
// runtime rather than fail loudly.
func (c *Config) Validate() error {
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command must not be empty")
	}
	if c.Agent.CallTimeout == nil {
		return fmt.Errorf("agent.call_timeout must be set")
	}
	if c.Agent.CallTimeout.Duration < 0 {
		return fmt.Errorf("agent.call_timeout must not be negative")
	}
	if c.Sessions.DebounceWindow == nil {
		return fmt.Errorf("sessions.debounce_window must be set")
	}
	if c.Sessions.DebounceWindow.Duration <= 0 {
		return fmt.Errorf("sessions.debounce_window must be positive")
	}
	if c.Sessions.IdleTimeout == nil {
		return fmt.Errorf("sessions.idle_timeout must be set")
	}
	if c.Sessions.IdleTimeout.Duration < 0 {
		return fmt.Errorf("sessions.idle_timeout must not be negative")
	}
	return nil
}

// Save writes the configuration back to the standard location. Used by
// setup flows; the daemon itself only reads.
func (c *Config) Save() error {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return fmt.Errorf("failed to locate config file: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
