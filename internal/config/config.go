// Package config loads Athena's on-disk configuration: the project
// directory, instance id, broker deadline, initial rule set, and the
// store/log paths a `serve` invocation needs. Configuration is a single
// YAML document; defaults are filled in after decode and validated before
// use.
package config

import (
	"fmt"
	"os"

	"github.com/lespaceman/athena/internal/feed"
)

// DefaultAutoPassthroughMs is the broker deadline used when a config omits
// one. The default sits comfortably below the timeouts observed in the
// harness forwarders it serves (250ms-5000ms), so the broker never becomes
// the slowest link.
const DefaultAutoPassthroughMs = 200

// Config is Athena's full on-disk configuration (athena.yaml).
type Config struct {
	// ProjectDir is the harness's working directory; the UDS socket and
	// .athena/.claude state directories are resolved relative to it.
	ProjectDir string `yaml:"project_dir"`

	// InstanceID disambiguates the UDS socket path when more than one
	// Athena supervises the same project directory concurrently. Defaults
	// to the running process id.
	InstanceID string `yaml:"instance_id"`

	// AutoPassthroughMs bounds how long a pending request waits for a rule
	// match or operator resolution before the broker passes it through.
	AutoPassthroughMs int `yaml:"auto_passthrough_ms"`

	// Rules seeds the rule engine at startup. Persisted separately in
	// RulesPath so operator edits (e.g. an "always allow" from the
	// permission dialog) survive a restart; this field is the fallback
	// used only when RulesPath doesn't exist yet.
	Rules []feed.HookRule `yaml:"rules"`

	// RulesPath is where the live rule list is persisted between runs.
	RulesPath string `yaml:"rules_path"`

	// StorePath is the SQLite file backing the session store. Supports
	// ":memory:" for ephemeral/test runs.
	StorePath string `yaml:"store_path"`

	// HookLogPath is the operational NDJSON log of received/responded
	// hook events, independent of the durable feed log and safe to rotate
	// or truncate on its own.
	HookLogPath string `yaml:"hook_log_path"`

	// MetricsAddr, if non-empty, serves Prometheus metrics on this address
	// ("127.0.0.1:9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format"`
}

// Default returns a Config with every field set to its documented default,
// anchored at projectDir.
func Default(projectDir string) *Config {
	return &Config{
		ProjectDir:        projectDir,
		InstanceID:        fmt.Sprintf("%d", os.Getpid()),
		AutoPassthroughMs: DefaultAutoPassthroughMs,
		RulesPath:         projectDir + "/.athena/athena-rules.yaml",
		StorePath:         projectDir + "/.athena/sessions/store.db",
		HookLogPath:       projectDir + "/.claude/logs/hooks.jsonl",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// applyDefaults fills any zero-valued field left unset after decoding a
// user's YAML document, anchored at projectDir when ProjectDir itself was
// left blank.
func (c *Config) applyDefaults() {
	d := Default(c.ProjectDir)
	if c.ProjectDir == "" {
		c.ProjectDir = "."
		d = Default(c.ProjectDir)
	}
	if c.InstanceID == "" {
		c.InstanceID = d.InstanceID
	}
	if c.AutoPassthroughMs <= 0 {
		c.AutoPassthroughMs = d.AutoPassthroughMs
	}
	if c.RulesPath == "" {
		c.RulesPath = d.RulesPath
	}
	if c.StorePath == "" {
		c.StorePath = d.StorePath
	}
	if c.HookLogPath == "" {
		c.HookLogPath = d.HookLogPath
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate checks the decoded config for values the rest of Athena cannot
// recover from at runtime.
func (c *Config) Validate() error {
	if c.ProjectDir == "" {
		return fmt.Errorf("config: project_dir is required")
	}
	if c.AutoPassthroughMs <= 0 {
		return fmt.Errorf("config: auto_passthrough_ms must be positive, got %d", c.AutoPassthroughMs)
	}
	for i, r := range c.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("config: rules[%d] has empty pattern", i)
		}
		if r.Action != "allow" && r.Action != "deny" {
			return fmt.Errorf("config: rules[%d] has invalid action %q", i, r.Action)
		}
	}
	return nil
}

// SocketPath returns the UDS path the broker listens on.
func (c *Config) SocketPath() string {
	return fmt.Sprintf("%s/.claude/run/ink-%s.sock", c.ProjectDir, c.InstanceID)
}
