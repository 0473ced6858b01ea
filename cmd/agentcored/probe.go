package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-labs/agentcore/internal/toolserver"
)

func buildProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Detect a tool server's wire protocol and list its tools",
		Long: `Run the same protocol-detection algorithm the /mcp-test endpoint uses
against a tool-server URL, without starting the HTTP server.`,
		Example: `  agentcored probe http://localhost:9000`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), args[0])
		},
	}
	return cmd
}

func runProbe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	client, err := toolserver.Detect(ctx, url)
	if err != nil {
		fmt.Printf("protocol: unknown\nerror: %v\n", err)
		return err
	}
	defer client.Close()

	fmt.Printf("protocol: %s\n", client.Protocol())

	tools, err := client.ListTools(ctx)
	if err != nil {
		fmt.Printf("list_tools error: %v\n", err)
		return err
	}

	fmt.Printf("tools: %d\n", len(tools))
	for _, t := range tools {
		fmt.Printf("  - %s: %s\n", t.Name, t.Description)
	}
	return nil
}
