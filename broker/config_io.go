package broker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/internal/xjson"
	"github.com/petal-labs/flowbridge/mcp"
)

// Server config interchange formats.
const (
	// FormatClaudeDesktop is {"mcpServers": {name: {command, args, env}}};
	// every entry is a stdio server.
	FormatClaudeDesktop = "claude_desktop"
	// FormatCustom is the full round-trippable form written by ExportServers.
	FormatCustom = "custom"
)

var configFormats = []string{FormatClaudeDesktop, FormatCustom}

type desktopFile struct {
	MCPServers map[string]desktopServer `json:"mcpServers"`
}

type desktopServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type customFile struct {
	MCPServers map[string]customServer `json:"mcpServers"`
}

type customServer struct {
	Description string            `json:"description,omitempty"`
	Transport   TransportSpec     `json:"transport"`
	Env         map[string]string `json:"env,omitempty"`
	Tools       []string          `json:"tools"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

// ImportServers parses a config document and registers every server in it,
// in name order. The format defaults to claude_desktop. It stops at the first server that cannot be added and
// returns the ones added so far with the error.
func (m *Manager) ImportServers(ctx context.Context, data []byte, format string) ([]ServerRecord, error) {
	if strings.TrimSpace(format) == "" {
		format = FormatClaudeDesktop
	}
	configs, err := parseServerConfigs(data, format)
	if err != nil {
		return nil, err
	}
	var imported []ServerRecord
	for _, cfg := range configs {
		record, err := m.AddServer(ctx, cfg)
		if err != nil {
			return imported, fmt.Errorf("broker: import %q: %w", cfg.Name, err)
		}
		imported = append(imported, record)
	}
	return imported, nil
}

func parseServerConfigs(data []byte, format string) ([]ServerConfig, error) {
	switch normalizeFormat(format) {
	case FormatClaudeDesktop:
		var file desktopFile
		if err := xjson.Unmarshal(data, &file); err != nil {
			return nil, core.NewValidationError("config", "invalid JSON configuration: "+err.Error())
		}
		out := make([]ServerConfig, 0, len(file.MCPServers))
		for _, name := range slices.Sorted(maps.Keys(file.MCPServers)) {
			server := file.MCPServers[name]
			out = append(out, ServerConfig{
				Name:        name,
				Description: "Imported from Claude Desktop: " + name,
				Transport: TransportSpec{
					Type:    mcp.TransportStdio,
					Command: server.Command,
					Args:    server.Args,
				},
				Env: server.Env,
			})
		}
		return out, nil
	case FormatCustom:
		var file customFile
		if err := xjson.Unmarshal(data, &file); err != nil {
			return nil, core.NewValidationError("config", "invalid JSON configuration: "+err.Error())
		}
		out := make([]ServerConfig, 0, len(file.MCPServers))
		for _, name := range slices.Sorted(maps.Keys(file.MCPServers)) {
			server := file.MCPServers[name]
			out = append(out, ServerConfig{
				Name:        name,
				Description: server.Description,
				Transport:   server.Transport,
				Env:         server.Env,
				Tools:       server.Tools,
				Enabled:     server.Enabled,
			})
		}
		return out, nil
	default:
		return nil, &core.UnsupportedFormatError{Format: format, Supported: configFormats}
	}
}

// ExportServers renders every registered server in the given format.
// Output is deterministic: servers are keyed by name and keys are sorted.
// The claude_desktop format only carries stdio servers.
func (m *Manager) ExportServers(format string) (string, error) {
	records := m.ListServers()

	var doc any
	switch normalizeFormat(format) {
	case FormatCustom:
		file := customFile{MCPServers: make(map[string]customServer, len(records))}
		for _, r := range records {
			tools := r.Config.Tools
			if tools == nil {
				tools = []string{}
			}
			file.MCPServers[r.Config.Name] = customServer{
				Description: r.Config.Description,
				Transport:   r.Config.Transport,
				Env:         r.Config.Env,
				Tools:       tools,
				Enabled:     r.Config.Enabled,
			}
		}
		doc = file
	case FormatClaudeDesktop:
		file := desktopFile{MCPServers: make(map[string]desktopServer, len(records))}
		for _, r := range records {
			if r.Config.Transport.Type != mcp.TransportStdio {
				continue
			}
			file.MCPServers[r.Config.Name] = desktopServer{
				Command: r.Config.Transport.Command,
				Args:    r.Config.Transport.Args,
				Env:     r.Config.Env,
			}
		}
		doc = file
	default:
		return "", &core.UnsupportedFormatError{Format: format, Supported: configFormats}
	}

	data, err := xjson.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("broker: encode servers: %w", err)
	}
	return string(data), nil
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return FormatCustom
	}
	return format
}
