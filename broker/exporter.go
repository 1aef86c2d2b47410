package broker

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/flowbridge/core"
)

// Framework selects an export rendering.
type Framework string

const (
	// FrameworkRole renders a tool wrapper attached to a role-based agent.
	FrameworkRole Framework = "role"
	// FrameworkGraph renders a tool node binding for graph workflows.
	FrameworkGraph Framework = "graph"
	// FrameworkGeneric renders the full declarative tool descriptor.
	FrameworkGeneric Framework = "generic"
)

var frameworkAliases = map[string]Framework{
	"role":        FrameworkRole,
	"role_based":  FrameworkRole,
	"crewai":      FrameworkRole,
	"graph":       FrameworkGraph,
	"graph_based": FrameworkGraph,
	"langgraph":   FrameworkGraph,
	"generic":     FrameworkGeneric,
	"yaml":        FrameworkGeneric,
}

// ParseFramework resolves a framework tag or alias, case-insensitively.
func ParseFramework(tag string) (Framework, error) {
	if f, ok := frameworkAliases[strings.ToLower(strings.TrimSpace(tag))]; ok {
		return f, nil
	}
	supported := make([]string, 0, len(frameworkAliases))
	for alias := range frameworkAliases {
		supported = append(supported, alias)
	}
	slices.Sort(supported)
	return "", &core.UnsupportedFormatError{Format: tag, Supported: supported}
}

// Exporter renders catalogued tools as workflow-ready descriptor text.
type Exporter struct {
	catalog *Catalog
}

// NewExporter returns an exporter reading from catalog.
func NewExporter(catalog *Catalog) *Exporter {
	return &Exporter{catalog: catalog}
}

// Export renders the tool with id toolID. The output depends only on the
// catalogued schema and the framework, so repeated calls are identical.
func (e *Exporter) Export(toolID string, framework Framework) (string, error) {
	if _, err := ParseFramework(string(framework)); err != nil {
		return "", err
	}
	tool, err := e.catalog.Tool(toolID)
	if err != nil {
		return "", err
	}
	return RenderTool(tool, framework)
}

// RenderTool renders one tool without consulting a catalog.
func RenderTool(tool Tool, framework Framework) (string, error) {
	f, err := ParseFramework(string(framework))
	if err != nil {
		return "", err
	}
	description := strings.TrimSpace(tool.Description)
	if description == "" {
		description = "No description available"
	}

	var (
		header string
		doc    any
	)
	switch f {
	case FrameworkRole:
		header = fmt.Sprintf("# Role-based tool wrapper for %s.\n# Attach to an agent's tools list; tasks assigned to that agent may call it.\n", tool.ID)
		doc = roleExport{
			Tool: toolSummary{ID: tool.ID, Name: tool.Name, Server: tool.ServerName, Description: description},
			Agent: roleAgent{
				Name:  identifier(tool.Name) + "_agent",
				Role:  fmt.Sprintf("%s operator", tool.Name),
				Goal:  fmt.Sprintf("Use %s to %s", tool.Name, lowerFirst(strings.TrimSuffix(description, "."))),
				Tools: []string{tool.ID},
			},
			Parameters: schemaOrEmpty(tool.InputSchema),
		}
	case FrameworkGraph:
		header = fmt.Sprintf("# Graph tool binding for %s.\n# Add the node and route edges to and from it.\n", tool.ID)
		doc = graphExport{
			Nodes: []graphNode{{
				ID:   identifier(tool.Name),
				Type: "tool",
				Config: graphNodeConfig{
					ToolID:      tool.ID,
					Description: description,
					Arguments:   argumentTemplate(tool.InputSchema),
				},
			}},
		}
	default:
		header = fmt.Sprintf("# Tool: %s\n", tool.Name)
		doc = genericExport{
			ID:           tool.ID,
			Name:         tool.Name,
			Title:        tool.Title,
			Server:       tool.ServerName,
			Description:  description,
			InputSchema:  schemaOrEmpty(tool.InputSchema),
			OutputSchema: tool.OutputSchema,
		}
	}

	var buf bytes.Buffer
	buf.WriteString(header)
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return "", fmt.Errorf("broker: render %s: %w", tool.ID, err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("broker: render %s: %w", tool.ID, err)
	}
	return buf.String(), nil
}

type toolSummary struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Server      string `yaml:"server"`
	Description string `yaml:"description"`
}

type roleAgent struct {
	Name  string   `yaml:"name"`
	Role  string   `yaml:"role"`
	Goal  string   `yaml:"goal"`
	Tools []string `yaml:"tools"`
}

type roleExport struct {
	Tool       toolSummary    `yaml:"tool"`
	Parameters map[string]any `yaml:"parameters"`
	Agent      roleAgent      `yaml:"agent"`
}

type graphNodeConfig struct {
	ToolID      string         `yaml:"tool_id"`
	Description string         `yaml:"description"`
	Arguments   map[string]any `yaml:"arguments"`
}

type graphNode struct {
	ID     string          `yaml:"id"`
	Type   string          `yaml:"type"`
	Config graphNodeConfig `yaml:"config"`
}

type graphExport struct {
	Nodes []graphNode `yaml:"nodes"`
}

type genericExport struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Title        string         `yaml:"title,omitempty"`
	Server       string         `yaml:"server"`
	Description  string         `yaml:"description"`
	InputSchema  map[string]any `yaml:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema,omitempty"`
}

func schemaOrEmpty(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return deepCopyMap(schema)
}

// argumentTemplate builds placeholder arguments from an object schema:
// declared defaults where present, otherwise "<type>" markers, with
// required fields flagged.
func argumentTemplate(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]any, len(props))
	if len(props) == 0 {
		return out
	}
	required := map[string]bool{}
	if list, ok := schema["required"].([]any); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				required[name] = true
			}
		}
	}
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		if def, ok := prop["default"]; ok {
			out[name] = deepCopyValue(def)
			continue
		}
		kind, _ := prop["type"].(string)
		if kind == "" {
			kind = "any"
		}
		marker := "<" + kind + ">"
		if required[name] {
			marker = "<" + kind + ", required>"
		}
		out[name] = marker
	}
	return out
}

func identifier(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
