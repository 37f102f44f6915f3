// Package cli builds the acp-bridge cobra command tree: a root command
// that runs the bridge when invoked bare, plus "run" and "version"
// subcommands.
//
// Grounded on hub/cli/root.go's NewRootCmd shape, trimmed to the bridge's
// §10 CLI surface (no "init" wizard: the bridge has no config file to
// scaffold).
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for acp-bridge. Bare
// invocation (no subcommand) delegates to "run" for convenience.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "acp-bridge",
		Short: "acp-bridge — multiplexes browser clients onto AI agent subprocesses",
		Long:  "acp-bridge spawns and supervises an agent subprocess per session, persists its event log, and exposes a JSON-RPC WebSocket API for browser clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	// Retained for parity with the teacher's CLI shape. The bridge loads
	// configuration from the environment (§6.3), not a file; this flag is
	// a no-op override point kept for a future file-based config.
	root.PersistentFlags().StringP("config", "c", "", "path to config file (currently unused, the bridge configures via environment)")

	return root
}
