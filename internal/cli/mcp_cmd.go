package cli

import (
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"orthoforge/internal/mcptools"
)

func newMCPCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Long: `Run an MCP server on stdin/stdout with an in-process orchestrator. Logs go
to stderr so the protocol stream stays clean.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			orch, _ := root.orchestrator(ctx)
			defer orch.Stop()

			server := mcptools.NewServer(mcptools.Config{
				Service:  orch,
				Projects: root.store,
				Version:  Version,
				Logger:   root.log,
			})
			root.log.Info("starting stdio transport")
			return server.Run(ctx, &sdkmcp.StdioTransport{})
		},
	}
}
