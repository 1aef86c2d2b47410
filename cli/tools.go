package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowbridge/broker"
	"github.com/petal-labs/flowbridge/internal/xjson"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Browse, test and export tools from registered MCP servers",
	}

	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsInspectCmd())
	cmd.AddCommand(newToolsTestCmd())
	cmd.AddCommand(newToolsExportCmd())

	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Connect enabled servers and list their tools",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
	cmd.Flags().String("server", "", "Only list tools from this server")
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	e, err := openBrokerEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	server, _ := cmd.Flags().GetString("server")
	var tools []broker.Tool
	if server != "" {
		if _, err := e.manager.Server(server); err != nil {
			return exitFor(err, "listing tools")
		}
		if err := e.connectServers(cmd.Context(), server); err != nil {
			return exitFor(err, "connecting "+server)
		}
		tools = e.manager.Catalog().ServerTools(server)
	} else {
		_ = e.connectServers(cmd.Context())
		tools = e.manager.Catalog().ListAllTools()
	}

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		if tools == nil {
			tools = []broker.Tool{}
		}
		return writeJSON(cmd.OutOrStdout(), tools)
	}

	if len(tools) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tools available.")
		return nil
	}
	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSERVER\tDESCRIPTION")
	for _, t := range tools {
		description := strings.TrimSpace(t.Description)
		if description == "" {
			description = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", t.ID, t.ServerName, description)
	}
	return writer.Flush()
}

func newToolsInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <tool-id>",
		Short: "Print a tool's catalog entry with its schemas",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsInspect,
	}
}

func runToolsInspect(cmd *cobra.Command, args []string) error {
	e, tool, err := catalogTool(cmd, args[0])
	if err != nil {
		return err
	}
	defer e.close()
	return writeJSON(cmd.OutOrStdout(), tool)
}

func newToolsTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <tool-id>",
		Short: "Invoke a tool with test inputs",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsTest,
	}
	cmd.Flags().StringArray("input", nil, "Input KEY=VALUE pair (repeatable)")
	cmd.Flags().String("input-json", "", "Input object as JSON")
	return cmd
}

func runToolsTest(cmd *cobra.Command, args []string) error {
	inputs, err := parseToolTestInputs(cmd)
	if err != nil {
		return exitError(exitValidation, "parsing inputs: %v", err)
	}

	serverID, toolName, err := broker.ParseToolID(args[0])
	if err != nil {
		return exitFor(err, "invalid tool id")
	}

	e, err := openBrokerEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.connectServers(cmd.Context(), serverID); err != nil {
		return exitFor(err, "connecting "+serverID)
	}

	result, err := e.invoker.TestTool(cmd.Context(), serverID, toolName, inputs)
	if werr := writeJSON(cmd.OutOrStdout(), result); werr != nil {
		return werr
	}
	if err != nil {
		return exitFor(err, "tool test failed")
	}
	return nil
}

func newToolsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <tool-id>",
		Short: "Render a tool as a workflow-ready descriptor",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsExport,
	}
	cmd.Flags().String("framework", string(broker.FrameworkGeneric), "Target: role | graph | generic (aliases: crewai, langgraph, yaml)")
	return cmd
}

func runToolsExport(cmd *cobra.Command, args []string) error {
	tag, _ := cmd.Flags().GetString("framework")
	framework, err := broker.ParseFramework(tag)
	if err != nil {
		return exitFor(err, "export")
	}

	e, _, err := catalogTool(cmd, args[0])
	if err != nil {
		return err
	}
	defer e.close()

	doc, err := broker.NewExporter(e.manager.Catalog()).Export(args[0], framework)
	if err != nil {
		return exitFor(err, "export")
	}
	fmt.Fprint(cmd.OutOrStdout(), doc)
	if !strings.HasSuffix(doc, "\n") {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

// catalogTool connects the server owning toolID and returns its catalog
// entry. The caller closes the returned env.
func catalogTool(cmd *cobra.Command, toolID string) (*env, broker.Tool, error) {
	serverID, _, err := broker.ParseToolID(toolID)
	if err != nil {
		return nil, broker.Tool{}, exitFor(err, "invalid tool id")
	}
	e, err := openBrokerEnv(cmd)
	if err != nil {
		return nil, broker.Tool{}, err
	}
	if err := e.connectServers(cmd.Context(), serverID); err != nil {
		e.close()
		return nil, broker.Tool{}, exitFor(err, "connecting "+serverID)
	}
	tool, err := e.manager.Catalog().Tool(toolID)
	if err != nil {
		e.close()
		return nil, broker.Tool{}, exitFor(err, "looking up tool")
	}
	return e, tool, nil
}

func parseKeyValue(value string, requireValue bool) (string, string, error) {
	parts := strings.SplitN(value, "=", 2)
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return "", "", errors.New("key is required")
	}
	if len(parts) == 1 {
		if requireValue {
			return "", "", errors.New("value is required")
		}
		return key, "", nil
	}
	return key, parts[1], nil
}

func parseToolTestInputs(cmd *cobra.Command) (map[string]any, error) {
	inputs := map[string]any{}
	rawPairs, _ := cmd.Flags().GetStringArray("input")
	for _, pair := range rawPairs {
		key, value, err := parseKeyValue(pair, true)
		if err != nil {
			return nil, err
		}
		inputs[key] = parsePrimitiveValue(value)
	}

	inputJSON, _ := cmd.Flags().GetString("input-json")
	if strings.TrimSpace(inputJSON) == "" {
		return inputs, nil
	}

	var obj map[string]any
	if err := xjson.Unmarshal([]byte(inputJSON), &obj); err != nil {
		return nil, err
	}
	for key, value := range obj {
		inputs[key] = value
	}
	return inputs, nil
}

func parsePrimitiveValue(value string) any {
	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "\"") {
		var parsed any
		if err := xjson.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return value
}
