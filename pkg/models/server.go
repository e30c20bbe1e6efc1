// Package models defines the persisted entities of the gateway: server
// configurations, runtime instances, LLM model registrations, and log
// entries, along with their validation rules and wire/storage conversions.
package models

import (
	"regexp"
	"time"
)

// RestartPolicy controls whether a crashed child is respawned.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Valid reports whether the policy is one of the known values.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNever, RestartOnFailure, RestartAlways:
		return true
	}
	return false
}

// idPattern is the permitted shape of a server id: URL-safe, immutable.
var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidServerID reports whether id matches ^[a-z0-9-]+$.
func ValidServerID(id string) bool {
	return idPattern.MatchString(id)
}

// MCPConfig is the launch spec of one MCP child process.
// This is the nested form preferred for storage; the flat wire form carries
// the same fields at the top level of ServerConfig.
type MCPConfig struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
}

// GitHubSource records where a config was cloned from.
type GitHubSource struct {
	Source           string `json:"source"` // always "github"
	GitHubRepo       string `json:"github_repo"`
	GitHubBranch     string `json:"github_branch,omitempty"`
	GitHubServerName string `json:"github_server_name,omitempty"`
}

// ToolSpec is the cached shape of one tool on a child server.
// Derived from the child's tools/list response; not authoritative.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ServerConfig is the desired state of one MCP child.
//
// The wire format is flat (command/args/env at top level). The nested
// MCPConfig form is accepted on input and preferred for storage; when both
// are present the flat fields win. Call Normalize before use.
type ServerConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	// Flat wire form of the launch spec.
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`

	// Nested storage form. Optional on input.
	MCPConfig *MCPConfig `json:"mcp_config,omitempty"`

	RestartPolicy    RestartPolicy `json:"restart_policy"`
	RestartWindowSec int           `json:"restart_window_sec"`
	MaxRestarts      int           `json:"max_restarts"`

	Source *GitHubSource `json:"source,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// Tools is the last-known tool list, cached after a successful start.
	Tools []ToolSpec `json:"tools,omitempty"`
}

// DefaultRestartWindowSec is the rolling restart window applied when a
// registration omits one.
const DefaultRestartWindowSec = 300

// Normalize resolves the flat and nested launch-spec forms and fills restart
// spec defaults. An omitted restart policy means never; max_restarts stays
// zero so an unspecified budget grants nothing. The flat wire format wins;
// the nested form fills gaps. After Normalize both forms carry the same
// values.
func (c *ServerConfig) Normalize() {
	if c.RestartPolicy == "" {
		c.RestartPolicy = RestartNever
	}
	if c.RestartWindowSec == 0 {
		c.RestartWindowSec = DefaultRestartWindowSec
	}
	if c.MCPConfig != nil {
		if c.Command == "" {
			c.Command = c.MCPConfig.Command
		}
		if c.Args == nil {
			c.Args = c.MCPConfig.Args
		}
		if c.Env == nil {
			c.Env = c.MCPConfig.Env
		}
		if c.WorkingDir == "" {
			c.WorkingDir = c.MCPConfig.WorkingDir
		}
	}
	c.MCPConfig = &MCPConfig{
		Command:    c.Command,
		Args:       c.Args,
		Env:        c.Env,
		WorkingDir: c.WorkingDir,
	}
}

// ToStorage returns the nested form used by the persistence layer.
func (c *ServerConfig) ToStorage() ServerConfig {
	out := *c
	out.Normalize()
	// Storage keeps only the nested launch spec.
	out.Command = ""
	out.Args = nil
	out.Env = nil
	out.WorkingDir = ""
	return out
}

// FromStorage flattens a stored document back into the wire form.
func (c *ServerConfig) FromStorage() {
	c.Normalize()
}

// Validate checks id shape, launch spec, and restart spec.
// allowedCommands is the resolved command allowlist.
func (c *ServerConfig) Validate(allowedCommands []string) error {
	if c.ID == "" {
		return NewValidationError("id", "id is required")
	}
	if !ValidServerID(c.ID) {
		return NewValidationError("id", "id must match ^[a-z0-9-]+$")
	}
	if c.Command == "" {
		return NewValidationError("command", "command is required")
	}
	allowed := false
	for _, cmd := range allowedCommands {
		if cmd == c.Command {
			allowed = true
			break
		}
	}
	if !allowed {
		return NewValidationError("command",
			"command '"+c.Command+"' is not in the allowed list")
	}
	if !c.RestartPolicy.Valid() {
		return NewValidationError("restart_policy",
			"restart_policy must be one of: never, on-failure, always")
	}
	if c.RestartWindowSec <= 0 {
		return NewValidationError("restart_window_sec", "restart_window_sec must be > 0")
	}
	if c.MaxRestarts < 0 {
		return NewValidationError("max_restarts", "max_restarts must be >= 0")
	}
	return nil
}
