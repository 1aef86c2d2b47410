package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowbridge/broker"
	"github.com/petal-labs/flowbridge/mcp"
)

// NewServersCmd creates the "servers" command group.
func NewServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage registered MCP servers",
	}

	cmd.AddCommand(newServersListCmd())
	cmd.AddCommand(newServersAddCmd())
	cmd.AddCommand(newServersRemoveCmd())
	cmd.AddCommand(newServersTestCmd())
	cmd.AddCommand(newServersHealthCmd())
	cmd.AddCommand(newServersImportCmd())
	cmd.AddCommand(newServersExportCmd())

	return cmd
}

func newServersListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		Args:  cobra.NoArgs,
		RunE:  runServersList,
	}
	cmd.Flags().Bool("connect", false, "Test each enabled server before listing")
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runServersList(cmd *cobra.Command, _ []string) error {
	e, err := openBrokerEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	if connect, _ := cmd.Flags().GetBool("connect"); connect {
		_ = e.connectServers(cmd.Context())
	}

	records := e.manager.ListServers()
	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		redacted := make([]broker.ServerRecord, 0, len(records))
		for _, r := range records {
			redacted = append(redacted, broker.Redact(r))
		}
		return writeJSON(cmd.OutOrStdout(), redacted)
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No servers registered.")
		return nil
	}
	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tTRANSPORT\tENABLED\tSTATUS\tTOOLS\tERROR")
	for _, r := range records {
		errText := "-"
		if strings.TrimSpace(r.Error) != "" {
			errText = r.Error
		}
		fmt.Fprintf(writer, "%s\t%s\t%t\t%s\t%d\t%s\n",
			r.Config.Name,
			r.Config.Transport.Type,
			r.Config.IsEnabled(),
			r.Status,
			len(e.manager.Catalog().ServerTools(r.ID)),
			errText,
		)
	}
	return writer.Flush()
}

func newServersAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register an MCP server",
		Args:  cobra.ExactArgs(1),
		RunE:  runServersAdd,
	}
	cmd.Flags().String("type", "", "Transport: stdio | http | websocket (default: inferred)")
	cmd.Flags().String("command", "", "Command to launch (stdio)")
	cmd.Flags().StringArray("arg", nil, "Command argument (repeatable)")
	cmd.Flags().String("url", "", "Server URL (http, websocket)")
	cmd.Flags().String("host", "", "Server host (http, websocket)")
	cmd.Flags().Int("port", 0, "Server port (http, websocket)")
	cmd.Flags().StringArray("header", nil, "Request header KEY=VALUE (repeatable)")
	cmd.Flags().StringArray("env", nil, "Environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringSlice("tool", nil, "Restrict the catalog to these tools")
	cmd.Flags().String("description", "", "Server description")
	cmd.Flags().Bool("disabled", false, "Register without enabling")
	cmd.Flags().Bool("connect", false, "Test the connection after registering")
	return cmd
}

func runServersAdd(cmd *cobra.Command, args []string) error {
	cfg, err := serverConfigFromFlags(cmd, args[0])
	if err != nil {
		return err
	}

	e, err := openBrokerEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	record, err := e.manager.AddServer(cmd.Context(), cfg)
	if err != nil {
		return exitFor(err, "adding server")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered server %q (%s)\n", record.Config.Name, record.Config.Transport.Type)

	if connect, _ := cmd.Flags().GetBool("connect"); connect && record.Config.IsEnabled() {
		return testServer(cmd, e, record.ID)
	}
	return nil
}

func serverConfigFromFlags(cmd *cobra.Command, name string) (broker.ServerConfig, error) {
	transportType, _ := cmd.Flags().GetString("type")
	command, _ := cmd.Flags().GetString("command")
	cmdArgs, _ := cmd.Flags().GetStringArray("arg")
	url, _ := cmd.Flags().GetString("url")
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	description, _ := cmd.Flags().GetString("description")
	tools, _ := cmd.Flags().GetStringSlice("tool")
	disabled, _ := cmd.Flags().GetBool("disabled")

	headers, err := parsePairs(cmd, "header")
	if err != nil {
		return broker.ServerConfig{}, err
	}
	env, err := parsePairs(cmd, "env")
	if err != nil {
		return broker.ServerConfig{}, err
	}

	t := mcp.TransportType(strings.ToLower(strings.TrimSpace(transportType)))
	if t == "" {
		switch {
		case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
			t = mcp.TransportWebSocket
		case url != "" || host != "":
			t = mcp.TransportHTTP
		default:
			t = mcp.TransportStdio
		}
	}

	cfg := broker.ServerConfig{
		Name:        strings.TrimSpace(name),
		Description: description,
		Transport: broker.TransportSpec{
			Type:    t,
			Command: command,
			Args:    cmdArgs,
			URL:     url,
			Host:    host,
			Port:    port,
			Headers: headers,
		},
		Env:   env,
		Tools: tools,
	}
	if disabled {
		off := false
		cfg.Enabled = &off
	}
	if err := cfg.Validate(); err != nil {
		return broker.ServerConfig{}, exitFor(err, "invalid server")
	}
	return cfg, nil
}

func parsePairs(cmd *cobra.Command, flag string) (map[string]string, error) {
	raw, _ := cmd.Flags().GetStringArray(flag)
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, pair := range raw {
		key, value, err := parseKeyValue(pair, true)
		if err != nil {
			return nil, exitError(exitValidation, "invalid --%s %q: %v", flag, pair, err)
		}
		out[key] = value
	}
	return out, nil
}

func newServersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Unregister a server and drop its tools",
		Args:  cobra.ExactArgs(1),
		RunE:  runServersRemove,
	}
}

func runServersRemove(cmd *cobra.Command, args []string) error {
	e, err := openBrokerEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.manager.DeleteServer(cmd.Context(), args[0]); err != nil {
		return exitFor(err, "removing server")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed server %q\n", args[0])
	return nil
}

func newServersTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Connect to a server and list its tools",
		Args:  cobra.ExactArgs(1),
		RunE:  runServersTest,
	}
}

func runServersTest(cmd *cobra.Command, args []string) error {
	e, err := openBrokerEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()
	return testServer(cmd, e, args[0])
}

func testServer(cmd *cobra.Command, e *env, id string) error {
	status, err := e.manager.TestConnection(cmd.Context(), id)
	if werr := writeJSON(cmd.OutOrStdout(), status); werr != nil {
		return werr
	}
	if err != nil {
		return exitFor(err, "testing server")
	}
	return nil
}

func newServersHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Connect enabled servers and re-test them on a schedule",
		Args:  cobra.NoArgs,
		RunE:  runServersHealth,
	}
	cmd.Flags().String("schedule", "", "Cron expression or @every descriptor (default from config, else @every 30s)")
	cmd.Flags().Bool("watch", false, "Keep checking until interrupted")
	return cmd
}

func runServersHealth(cmd *cobra.Command, _ []string) error {
	e, err := openBrokerEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	schedule, _ := cmd.Flags().GetString("schedule")
	if strings.TrimSpace(schedule) == "" {
		schedule = e.cfg.Broker.HealthSchedule
	}
	out := cmd.OutOrStdout()
	scheduler, err := broker.NewHealthScheduler(broker.HealthSchedulerConfig{
		Manager:  e.manager,
		Schedule: schedule,
		Observer: e.observer,
		Logger:   e.logger,
		OnEvent:  func(ev broker.HealthEvent) { printHealthEvent(out, ev) },
	})
	if err != nil {
		return exitFor(err, "configuring health checks")
	}

	_ = e.connectServers(cmd.Context())
	events := scheduler.RunOnce(cmd.Context())

	if watch, _ := cmd.Flags().GetBool("watch"); !watch {
		for _, ev := range events {
			if ev.Err != nil {
				return exitError(exitConnection, "server %q is unhealthy: %v", ev.ServerID, ev.Err)
			}
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	scheduler.Start()
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return scheduler.Stop(stopCtx)
}

func printHealthEvent(w io.Writer, ev broker.HealthEvent) {
	errText := "-"
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	fmt.Fprintf(w, "%s\t%s -> %s\t%.1fms\t%s\n", ev.ServerID, ev.PreviousStatus, ev.Status, ev.LatencyMS, errText)
}

func newServersImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Register servers from a config document",
		Args:  cobra.ExactArgs(1),
		RunE:  runServersImport,
	}
	cmd.Flags().String("format", broker.FormatClaudeDesktop, "Document format: claude_desktop | custom")
	return cmd
}

func runServersImport(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		if os.IsNotExist(err) {
			return exitError(exitNotFound, "file not found: %s", args[0])
		}
		return exitError(exitRuntime, "reading %s: %v", args[0], err)
	}

	e, err := openBrokerEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	format, _ := cmd.Flags().GetString("format")
	imported, err := e.manager.ImportServers(cmd.Context(), data, format)
	for _, r := range imported {
		fmt.Fprintf(cmd.OutOrStdout(), "Imported server %q (%s)\n", r.Config.Name, r.Config.Transport.Type)
	}
	if err != nil {
		return exitFor(err, "importing servers")
	}
	return nil
}

func newServersExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write registered servers as a config document",
		Args:  cobra.NoArgs,
		RunE:  runServersExport,
	}
	cmd.Flags().String("format", broker.FormatCustom, "Document format: claude_desktop | custom")
	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	return cmd
}

func runServersExport(cmd *cobra.Command, _ []string) error {
	e, err := openBrokerEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	format, _ := cmd.Flags().GetString("format")
	doc, err := e.manager.ExportServers(format)
	if err != nil {
		return exitFor(err, "exporting servers")
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		fmt.Fprintln(cmd.OutOrStdout(), doc)
		return nil
	}
	if err := os.WriteFile(output, []byte(doc+"\n"), 0o600); err != nil {
		return exitError(exitRuntime, "writing %s: %v", output, err)
	}
	return nil
}

// openBrokerEnv is newEnv followed by openBroker.
func openBrokerEnv(cmd *cobra.Command) (*env, error) {
	e, err := newEnv(cmd)
	if err != nil {
		return nil, err
	}
	if err := e.openBroker(cmd); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}
