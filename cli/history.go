package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/flowbridge/bus"
	"github.com/petal-labs/flowbridge/execution"
)

// NewHistoryCmd creates the "history" subcommand.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [handle]",
		Short: "List recorded executions or print one execution's deltas",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	cmd.Flags().String("history-path", "", "SQLite file holding recorded deltas (default from config)")
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Int("limit", 0, "Maximum deltas to print (0 = all)")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	store, err := e.openHistory(cmd)
	if err != nil {
		return err
	}
	if store == nil {
		return exitError(exitValidation, "no history store configured (set --history-path or history.store)")
	}

	format, _ := cmd.Flags().GetString("format")
	if len(args) == 0 {
		return listHistory(cmd, store, format)
	}

	handle := execution.Handle(strings.TrimSpace(args[0]))
	limit, _ := cmd.Flags().GetInt("limit")
	deltas, err := store.List(cmd.Context(), handle, 0, limit)
	if err != nil {
		return exitError(exitRuntime, "reading history: %v", err)
	}
	if len(deltas) == 0 {
		return exitError(exitNotFound, "no recorded deltas for execution %q", handle)
	}
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), deltas)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tKIND\tSTATUS\tSTEP\tPROGRESS\tERROR")
	for _, d := range deltas {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
			d.Seq, d.Time.Format("15:04:05.000"), d.Kind, d.State, d.Step, d.Progress, d.Error)
	}
	return w.Flush()
}

func listHistory(cmd *cobra.Command, store *bus.SQLiteDeltaStore, format string) error {
	ctx := cmd.Context()
	handles, err := store.Handles(ctx)
	if err != nil {
		return exitError(exitRuntime, "reading history: %v", err)
	}

	type entry struct {
		Handle  execution.Handle `json:"handle"`
		LastSeq uint64           `json:"last_seq"`
		Status  execution.State  `json:"status"`
	}
	entries := make([]entry, 0, len(handles))
	for _, h := range handles {
		latest, err := store.LatestSeq(ctx, h)
		if err != nil {
			return exitError(exitRuntime, "reading history: %v", err)
		}
		var state execution.State
		if last, err := store.List(ctx, h, latest-1, 1); err == nil && len(last) == 1 {
			state = last[0].State
		}
		entries = append(entries, entry{Handle: h, LastSeq: latest, Status: state})
	}

	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No recorded executions.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tLAST SEQ\tSTATUS")
	for _, en := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\n", en.Handle, en.LastSeq, en.Status)
	}
	return w.Flush()
}
