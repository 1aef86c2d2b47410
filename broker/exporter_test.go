package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/flowbridge/core"
	"github.com/petal-labs/flowbridge/mcp"
	"github.com/petal-labs/flowbridge/mcp/mcptest"
)

func seededCatalog() *Catalog {
	c := NewCatalog()
	var tools []Tool
	for _, t := range mcptest.FSTools(nil) {
		tools = append(tools, toolFromMCP("fs", "fs", t.Tool))
	}
	c.set("fs", tools)
	c.set("web", []Tool{toolFromMCP("web", "web", mcptest.SearchTool("web").Tool)})
	return c
}

func TestExportIsDeterministic(t *testing.T) {
	exporter := NewExporter(seededCatalog())
	for _, framework := range []Framework{FrameworkRole, FrameworkGraph, FrameworkGeneric} {
		first, err := exporter.Export("web:search", framework)
		require.NoError(t, err)
		for range 10 {
			again, err := exporter.Export("web:search", framework)
			require.NoError(t, err)
			require.Equal(t, first, again, "framework %s", framework)
		}
	}
}

func TestExportGraphBinding(t *testing.T) {
	text, err := NewExporter(seededCatalog()).Export("web:search", FrameworkGraph)
	require.NoError(t, err)

	var doc struct {
		Nodes []struct {
			ID     string `yaml:"id"`
			Type   string `yaml:"type"`
			Config struct {
				ToolID    string         `yaml:"tool_id"`
				Arguments map[string]any `yaml:"arguments"`
			} `yaml:"config"`
		} `yaml:"nodes"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(text), &doc))
	require.Len(t, doc.Nodes, 1)
	node := doc.Nodes[0]
	assert.Equal(t, "search", node.ID)
	assert.Equal(t, "tool", node.Type)
	assert.Equal(t, "web:search", node.Config.ToolID)
	assert.Equal(t, "<string, required>", node.Config.Arguments["query"])
	assert.Equal(t, 10, node.Config.Arguments["limit"])
}

func TestExportRoleWrapper(t *testing.T) {
	text, err := NewExporter(seededCatalog()).Export("fs:read_file", "crewai")
	require.NoError(t, err)
	assert.Contains(t, text, "# Role-based tool wrapper for fs:read_file.")

	var doc struct {
		Agent struct {
			Name  string   `yaml:"name"`
			Goal  string   `yaml:"goal"`
			Tools []string `yaml:"tools"`
		} `yaml:"agent"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(text), &doc))
	assert.Equal(t, "read_file_agent", doc.Agent.Name)
	assert.Equal(t, []string{"fs:read_file"}, doc.Agent.Tools)
	assert.Equal(t, "Use read_file to read the complete contents of a file", doc.Agent.Goal)
}

func TestExportRoleWrapperNonASCIIDescription(t *testing.T) {
	c := NewCatalog()
	c.set("docs", []Tool{toolFromMCP("docs", "docs", mcp.Tool{
		Name:        "evaluer",
		Description: "Évalue un fichier.",
	})})

	text, err := NewExporter(c).Export("docs:evaluer", FrameworkRole)
	require.NoError(t, err)
	assert.NotContains(t, text, "!!binary")

	var doc struct {
		Agent struct {
			Goal string `yaml:"goal"`
		} `yaml:"agent"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(text), &doc))
	assert.Equal(t, "Use evaluer to évalue un fichier", doc.Agent.Goal)
	assert.Equal(t, "", lowerFirst(""))
}

func TestExportGenericKeepsSchema(t *testing.T) {
	text, err := NewExporter(seededCatalog()).Export("fs:read_file", "YAML")
	require.NoError(t, err)

	var doc genericExport
	require.NoError(t, yaml.Unmarshal([]byte(text), &doc))
	assert.Equal(t, "fs:read_file", doc.ID)
	assert.Equal(t, "fs", doc.Server)
	assert.Equal(t, []any{"path"}, doc.InputSchema["required"])
}

func TestExportErrors(t *testing.T) {
	exporter := NewExporter(seededCatalog())

	_, err := exporter.Export("fs:missing", FrameworkGraph)
	assert.True(t, core.IsNotFound(err))

	_, err = exporter.Export("fs:read_file", "autogen")
	var unsupported *core.UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
	assert.Contains(t, unsupported.Supported, "langgraph")
}

func TestRenderToolWithoutSchema(t *testing.T) {
	text, err := RenderTool(toolFromMCP("x", "x", mcp.Tool{Name: "ping"}), FrameworkGeneric)
	require.NoError(t, err)
	assert.Contains(t, text, "No description available")
	assert.Contains(t, text, "type: object")
}

func TestCatalogReadsAreCopies(t *testing.T) {
	c := seededCatalog()
	tool, err := c.Tool("web:search")
	require.NoError(t, err)
	tool.InputSchema["properties"].(map[string]any)["query"] = "mutated"

	again, err := c.Tool("web:search")
	require.NoError(t, err)
	assert.IsType(t, map[string]any{}, again.InputSchema["properties"].(map[string]any)["query"])
}

func TestCatalogOrderAndRemoval(t *testing.T) {
	c := seededCatalog()
	var ids []string
	for _, tool := range c.ListAllTools() {
		ids = append(ids, tool.ID)
	}
	assert.Equal(t, []string{"fs:read_file", "fs:list_directory", "web:search"}, ids)

	c.remove("fs")
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.HasTool("fs:read_file"))
}

func TestParseToolID(t *testing.T) {
	server, tool, err := ParseToolID("fs:ns:read")
	require.NoError(t, err)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "ns:read", tool)

	for _, bad := range []string{"", "fs", ":read", "fs:"} {
		_, _, err := ParseToolID(bad)
		assert.Error(t, err, bad)
	}
}
