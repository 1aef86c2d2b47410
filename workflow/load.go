package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/flowbridge/internal/xjson"
)

// document is the on-disk shape: variant fields sit at the top level and
// the kind is optional when it can be inferred.
type document struct {
	Kind   Kind        `json:"kind,omitempty"`
	Name   string      `json:"name,omitempty"`
	Agents []AgentSpec `json:"agents,omitempty"`
	Tasks  []TaskSpec  `json:"tasks,omitempty"`
	Nodes  []NodeSpec  `json:"nodes,omitempty"`
	Edges  []EdgeSpec  `json:"edges,omitempty"`
}

// DetectKind infers the workflow kind from file content:
//  1. an explicit "kind" field wins
//  2. "agents" or "tasks" without "nodes" is role-based
//  3. "nodes" without "agents" is graph-based
func DetectKind(data []byte, filePath string) (Kind, error) {
	raw, err := parseRaw(data, filePath)
	if err != nil {
		return "", err
	}
	return detectKind(raw)
}

func detectKind(raw map[string]any) (Kind, error) {
	if kind, ok := raw["kind"].(string); ok && kind != "" {
		switch Kind(kind) {
		case KindRoleBased, KindGraphBased:
			return Kind(kind), nil
		default:
			return "", fmt.Errorf("workflow: unknown kind %q", kind)
		}
	}

	hasAgents := hasKey(raw, "agents") || hasKey(raw, "tasks")
	hasNodes := hasKey(raw, "nodes")
	switch {
	case hasAgents && !hasNodes:
		return KindRoleBased, nil
	case hasNodes && !hasAgents:
		return KindGraphBased, nil
	}
	return "", fmt.Errorf("workflow: unable to detect kind: expected agents/tasks or nodes/edges")
}

// Load parses a workflow document. filePath selects YAML (.yaml, .yml) or
// JSON; it is not opened.
func Load(data []byte, filePath string) (Definition, error) {
	raw, err := parseRaw(data, filePath)
	if err != nil {
		return Definition{}, err
	}
	kind, err := detectKind(raw)
	if err != nil {
		return Definition{}, err
	}

	// YAML is normalised through JSON so both formats share one set of tags.
	normalized, err := xjson.Marshal(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: normalize: %w", err)
	}
	var doc document
	if err := xjson.Unmarshal(normalized, &doc); err != nil {
		return Definition{}, fmt.Errorf("workflow: decode: %w", err)
	}

	if kind == KindRoleBased {
		return NewRoleBased(doc.Name, doc.Agents, doc.Tasks), nil
	}
	return NewGraphBased(doc.Name, doc.Nodes, doc.Edges), nil
}

// LoadFile reads and parses a workflow file.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, err := Load(data, path)
	if err != nil {
		return Definition{}, err
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

func parseRaw(data []byte, filePath string) (map[string]any, error) {
	var raw map[string]any
	if isYAML(filePath) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("workflow: parsing YAML: %w", err)
		}
	} else {
		if err := xjson.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("workflow: parsing JSON: %w", err)
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("workflow: document is empty")
	}
	return raw, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
