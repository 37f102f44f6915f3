// Command acp-bridgectl is a supplemental terminal inspector: it connects
// to a running bridge's /ws endpoint as an ordinary browser client would
// and displays live sessions and notifications.
//
// Grounded on runtime/internal/cmd/default.go's TTY guard (term.IsTerminal
// before entering the alt-screen dashboard).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/acp-bridge/acp-bridge/internal/tui/dashboard"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "acp-bridgectl [url]",
		Short:         "Inspect a running acp-bridge over its own WebSocket API",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runInspect,
	}
	root.Flags().String("addr", "ws://localhost:8080/ws", "bridge WebSocket URL")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "acp-bridgectl", version)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("acp-bridgectl requires an interactive terminal")
	}

	url, _ := cmd.Flags().GetString("addr")
	if len(args) > 0 {
		url = args[0]
	}

	return dashboard.Attach(url)
}
