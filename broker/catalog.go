package broker

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/mcp"
)

// Tool is a catalogued tool. ID is "{serverID}:{name}".
type Tool struct {
	ID           string         `json:"id"`
	ServerID     string         `json:"server_id"`
	ServerName   string         `json:"server_name"`
	Name         string         `json:"name"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// ToolID joins a server id and tool name.
func ToolID(serverID, toolName string) string {
	return serverID + ":" + toolName
}

// ParseToolID splits "{serverID}:{toolName}". Only the first ':' separates,
// so tool names may contain colons.
func ParseToolID(id string) (serverID, toolName string, err error) {
	serverID, toolName, ok := strings.Cut(id, ":")
	if !ok || serverID == "" || toolName == "" {
		return "", "", core.NewValidationError("tool_id", fmt.Sprintf("expected {server_id}:{tool_name}, got %q", id))
	}
	return serverID, toolName, nil
}

func (t Tool) clone() Tool {
	out := t
	out.InputSchema = deepCopyMap(t.InputSchema)
	out.OutputSchema = deepCopyMap(t.OutputSchema)
	return out
}

func toolFromMCP(serverID, serverName string, in mcp.Tool) Tool {
	return Tool{
		ID:           ToolID(serverID, in.Name),
		ServerID:     serverID,
		ServerName:   serverName,
		Name:         in.Name,
		Title:        in.Title,
		Description:  in.Description,
		InputSchema:  deepCopyMap(in.InputSchema),
		OutputSchema: deepCopyMap(in.OutputSchema),
	}
}

// Catalog caches the tools discovered on each server. Only the Manager
// mutates it; every read returns deep copies.
type Catalog struct {
	mu     sync.RWMutex
	order  []string
	byServ map[string][]Tool
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{byServ: make(map[string][]Tool)}
}

// ListAllTools returns every catalogued tool, servers in registration order
// and tools in the order the server listed them.
func (c *Catalog) ListAllTools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Tool
	for _, id := range c.order {
		for _, t := range c.byServ[id] {
			out = append(out, t.clone())
		}
	}
	return out
}

// ServerTools returns the tools catalogued for one server.
func (c *Catalog) ServerTools(serverID string) []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := c.byServ[serverID]
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.clone())
	}
	return out
}

// Tool looks up a tool by id.
func (c *Catalog) Tool(id string) (Tool, error) {
	serverID, name, err := ParseToolID(id)
	if err != nil {
		return Tool{}, &core.NotFoundError{Resource: "tool", ID: id}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.byServ[serverID] {
		if t.Name == name {
			return t.clone(), nil
		}
	}
	return Tool{}, &core.NotFoundError{Resource: "tool", ID: id}
}

// HasTool reports whether id is catalogued. It lets the catalog serve as a
// tool lookup during workflow validation.
func (c *Catalog) HasTool(id string) bool {
	_, err := c.Tool(id)
	return err == nil
}

// Len returns the number of catalogued tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, tools := range c.byServ {
		n += len(tools)
	}
	return n
}

func (c *Catalog) register(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.order, serverID) {
		c.order = append(c.order, serverID)
	}
}

func (c *Catalog) set(serverID string, tools []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.order, serverID) {
		c.order = append(c.order, serverID)
	}
	c.byServ[serverID] = tools
}

func (c *Catalog) clear(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byServ, serverID)
}

func (c *Catalog) remove(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byServ, serverID)
	c.order = slices.DeleteFunc(c.order, func(id string) bool { return id == serverID })
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = deepCopyValue(value)
	}
	return out
}

func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return deepCopyMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return slices.Clone(v)
	case map[string]string:
		return maps.Clone(v)
	default:
		return v
	}
}
