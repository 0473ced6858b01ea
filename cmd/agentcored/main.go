// Package main provides the CLI entry point for agentcored, the process
// that hosts the LLM orchestration core's HTTP surface: the chat endpoint,
// model-discovery endpoint, and tool-server probe endpoint.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "agentcored:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentcored",
		Short: "agentcored - model-agnostic LLM tool-calling orchestration core",
		Long: `agentcored hosts the tool-calling loop, streaming multiplexer, and
provider/tool-server adapters behind a small HTTP surface:

  POST /chat                    run one tool-calling turn, streaming or buffered
  GET  /model-list?type=options list configured provider:model pairs
  POST /mcp-test                probe a tool-server URL's wire protocol`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd(), buildProbeCmd())
	return rootCmd
}
