package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowbridge/internal/xjson"
	"github.com/petal-labs/flowbridge/orchestrator"
	"github.com/petal-labs/flowbridge/workflow"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")
	cmd.Flags().String("framework", "", "Adapter to validate against (default: inferred from the workflow kind)")
	cmd.Flags().Bool("resolve-tools", false, "Connect configured MCP servers and check tool references")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	resolveTools, _ := cmd.Flags().GetBool("resolve-tools")

	def, err := loadWorkflow(args[0])
	if err != nil {
		return err
	}

	opts := orchestrator.Options{Logger: newLogger(cmd)}
	if resolveTools {
		e, err := newEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		if err := e.openBroker(cmd); err != nil {
			return err
		}
		_ = e.connectServers(cmd.Context())
		opts.Tools = e.manager.Catalog()
	}

	adapter, err := openAdapter(cmd, def, opts)
	if err != nil {
		return err
	}
	result := adapter.Validate(def)

	printValidateDiagnostics(cmd.OutOrStdout(), result.Diagnostics, format)

	if !result.Valid || (strict && len(result.Warnings) > 0) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// loadWorkflow reads a workflow file, mapping failures to exit codes.
func loadWorkflow(path string) (workflow.Definition, error) {
	def, err := workflow.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return workflow.Definition{}, exitError(exitNotFound, "file not found: %s", path)
		}
		return workflow.Definition{}, exitError(exitValidation, "%v", err)
	}
	return def, nil
}

// openAdapter opens the adapter named by --framework, or the built-in
// adapter for the workflow's kind.
func openAdapter(cmd *cobra.Command, def workflow.Definition, opts orchestrator.Options) (orchestrator.Adapter, error) {
	framework, _ := cmd.Flags().GetString("framework")
	if strings.TrimSpace(framework) == "" {
		framework = defaultFramework(def.Kind)
	}
	adapter, err := orchestrator.Default().Open(framework, opts)
	if err != nil {
		return nil, exitFor(err, "opening adapter")
	}
	return adapter, nil
}

func defaultFramework(kind workflow.Kind) string {
	if kind == workflow.KindGraphBased {
		return orchestrator.FrameworkLangGraph
	}
	return orchestrator.FrameworkCrewAI
}

// printValidateDiagnostics writes diagnostics to the writer in the requested
// format, followed by a summary line (for text format).
func printValidateDiagnostics(w io.Writer, diags []workflow.Diagnostic, format string) {
	if format == "json" {
		printDiagnosticsJSON(w, diags)
		return
	}
	printDiagnosticsText(w, diags)
}

// printDiagnosticsText writes diagnostics as formatted text lines followed by
// a summary. Used by both the validate and run commands.
func printDiagnosticsText(w io.Writer, diags []workflow.Diagnostic) {
	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		if d.Path != "" {
			fmt.Fprintf(w, "%s [%s]: %s (at %s)\n", sev, d.Code, d.Message, d.Path)
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}

	errs := workflow.Errors(diags)
	warns := workflow.Warnings(diags)

	switch {
	case len(errs) == 0 && len(warns) == 0:
		fmt.Fprintln(w, "Valid!")
	case len(errs) == 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", len(warns), pluralize("warning", len(warns)))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			len(errs), pluralize("error", len(errs)),
			len(warns), pluralize("warning", len(warns)))
	}
}

func printDiagnosticsJSON(w io.Writer, diags []workflow.Diagnostic) {
	// Output an empty array rather than null when there are no diagnostics.
	if diags == nil {
		diags = []workflow.Diagnostic{}
	}
	_ = writeJSON(w, diags)
}

func writeJSON(w io.Writer, v any) error {
	data, err := xjson.MarshalIndent(v, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding output: %v", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
