// Package broker manages registered MCP tool servers: their connection
// lifecycle, the catalog of tools they expose, test invocations against
// those tools, and export of tool descriptors for workflow frameworks.
package broker

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/mcp"
)

// Status is the connection state of a registered server.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// TransportSpec describes how a server is reached.
type TransportSpec struct {
	Type    mcp.TransportType `json:"type" yaml:"type"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Host    string            `json:"host,omitempty" yaml:"host,omitempty"`
	Port    int               `json:"port,omitempty" yaml:"port,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ServerConfig is the caller-supplied registration of one MCP server.
type ServerConfig struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Transport   TransportSpec     `json:"transport" yaml:"transport"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Tools restricts the catalog to the named tools. Empty means all.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Enabled is true when unset.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the server may be connected.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ServerRecord is a registered server as tracked by the Manager.
type ServerRecord struct {
	ID            string       `json:"id"`
	Config        ServerConfig `json:"config"`
	Status        Status       `json:"status"`
	Error         string       `json:"error,omitempty"`
	LatencyMS     float64      `json:"latency_ms,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	LastConnected time.Time    `json:"last_connected,omitempty"`
}

// ConnectionStatus is the outcome of a connection test or a status query.
type ConnectionStatus struct {
	ServerID      string            `json:"server_id"`
	Status        Status            `json:"status"`
	Message       string            `json:"message,omitempty"`
	LatencyMS     float64           `json:"latency_ms,omitempty"`
	Transport     mcp.TransportType `json:"transport"`
	Initialized   bool              `json:"initialized"`
	ServerName    string            `json:"server_name,omitempty"`
	ServerVersion string            `json:"server_version,omitempty"`
	ToolCount     int               `json:"tool_count"`
}

// Validate checks the config for problems that would make a connection
// attempt meaningless.
func (c ServerConfig) Validate() error {
	var problems []string
	name := strings.TrimSpace(c.Name)
	switch {
	case name == "":
		problems = append(problems, "name is required")
	case strings.Contains(name, ":"):
		problems = append(problems, fmt.Sprintf("name %q must not contain ':'", name))
	}

	t := c.Transport
	switch t.Type {
	case mcp.TransportStdio:
		if strings.TrimSpace(t.Command) == "" {
			problems = append(problems, "stdio transport requires command")
		}
	case mcp.TransportHTTP, mcp.TransportWebSocket:
		if strings.TrimSpace(t.URL) == "" && (strings.TrimSpace(t.Host) == "" || t.Port <= 0) {
			problems = append(problems, fmt.Sprintf("%s transport requires url or host and port", t.Type))
		}
		if t.Port < 0 || t.Port > 65535 {
			problems = append(problems, fmt.Sprintf("port %d out of range", t.Port))
		}
	case "":
		problems = append(problems, "transport type is required")
	default:
		problems = append(problems, fmt.Sprintf("unknown transport type %q", t.Type))
	}

	for _, tool := range c.Tools {
		if strings.TrimSpace(tool) == "" {
			problems = append(problems, "tool allowlist entries must not be empty")
			break
		}
	}

	if len(problems) > 0 {
		return core.NewValidationError("server", problems...)
	}
	return nil
}

// TransportConfig converts the registration into the mcp dial config.
func (c ServerConfig) TransportConfig() mcp.TransportConfig {
	return mcp.TransportConfig{
		Type:    c.Transport.Type,
		Command: c.Transport.Command,
		Args:    slices.Clone(c.Transport.Args),
		Env:     maps.Clone(c.Env),
		URL:     c.Transport.URL,
		Host:    c.Transport.Host,
		Port:    c.Transport.Port,
		Headers: maps.Clone(c.Transport.Headers),
	}
}

func (c ServerConfig) allows(tool string) bool {
	return len(c.Tools) == 0 || slices.Contains(c.Tools, tool)
}

func (c ServerConfig) clone() ServerConfig {
	out := c
	out.Transport.Args = slices.Clone(c.Transport.Args)
	out.Transport.Headers = maps.Clone(c.Transport.Headers)
	out.Env = maps.Clone(c.Env)
	out.Tools = slices.Clone(c.Tools)
	if c.Enabled != nil {
		out.Enabled = boolPtr(*c.Enabled)
	}
	return out
}

func boolPtr(v bool) *bool { return &v }

func (r ServerRecord) clone() ServerRecord {
	out := r
	out.Config = r.Config.clone()
	return out
}

// MaskedValue replaces sensitive values in redacted output.
const MaskedValue = "**********"

var sensitiveKeyMarkers = []string{"TOKEN", "SECRET", "PASSWORD", "API_KEY", "APIKEY", "AUTHORIZATION", "CREDENTIAL"}

func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func maskSensitive(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		if isSensitiveKey(key) && strings.TrimSpace(value) != "" {
			out[key] = MaskedValue
			continue
		}
		out[key] = value
	}
	return out
}

// Redact returns a copy of the record with secret-looking env values and
// headers masked, for user-facing output.
func Redact(record ServerRecord) ServerRecord {
	out := record.clone()
	out.Config.Env = maskSensitive(out.Config.Env)
	out.Config.Transport.Headers = maskSensitive(out.Config.Transport.Headers)
	return out
}
