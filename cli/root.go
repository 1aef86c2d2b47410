package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the flowbridge command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "flowbridge",
		Short: "Run multi-agent workflows and broker MCP tool servers",
		Long:  "flowbridge validates and runs role-based and graph workflows, and manages the MCP servers whose tools they call.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	root.PersistentFlags().String("config", "", "Path to flowbridge.yaml (default: ./flowbridge.yaml, then ~/.flowbridge/config.yaml)")
	root.PersistentFlags().String("store-path", "", "Path to the SQLite server store (default: ~/.flowbridge/flowbridge.db)")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("flowbridge version %s\n", version))

	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewHistoryCmd())
	root.AddCommand(NewServersCmd())
	root.AddCommand(NewToolsCmd())
	return root
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")

	level := slog.LevelWarn
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
