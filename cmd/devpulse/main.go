// Package main provides the entry point for the devpulse CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devpulse/devpulse/cmd/devpulse/commands"
	"github.com/devpulse/devpulse/pkg/version"
)

// Exit codes: 1 for runtime failures, 2 for configuration problems.
const (
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "devpulse",
		Short: "Devpulse - workstation development observability",
		Long: `Devpulse watches a development workstation (file tree, git
repository, assistant usage) and derives live insight from the event
stream: lifecycle stage, methodology scores, metrics, and bottlenecks.

Commands:
  start          Run the full pipeline with the WebSocket stream
  status         Print a one-shot project status snapshot
  export-events  Dump stored events as JSON lines
  replay         Re-run analyzers over stored history
  mcp            Serve the insight tools over MCP stdio`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewStartCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewExportCommand())
	rootCmd.AddCommand(commands.NewReplayCommand())
	rootCmd.AddCommand(commands.NewMCPCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		if errors.Is(err, commands.ErrConfig) {
			os.Exit(exitConfig)
		}

		os.Exit(exitRuntime)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "devpulse %s\n", version.String())
		},
	}
}
