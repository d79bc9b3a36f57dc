package main

import (
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/forechoandlook/stepflow/server"
)

// newMCPCmd serves the MCP tools over stdin/stdout. Logs go to stderr so
// they never mix with protocol frames.
func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("MCP stdio server starting")
			return mcpserver.ServeStdio(
				server.NewMCPServer(a.engine, a.credentials()),
			)
		},
	}
}
