package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/heatstep/internal/mcp"
)

func newMCPServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Run the MCP server over stdio",
		Long: `Run a Model Context Protocol server on stdin/stdout exposing the
heat_step, heat_generate, heat_runs, heat_devices and heat_checkpoints
tools. Paths are confined to the project root and ~/.heatstep, every run
is recorded in .heatstep/runs.db and tool calls are audited in
.heatstep/audit.jsonl. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadHeatConfig(cmd)
			if err != nil {
				return err
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:    "heatstep",
				Version: version,
				Root:    projectRoot(cmd),
				Heat:    cfg,
				Logger:  newLogger(cmd, cfg),
			})
			if err != nil {
				return fmt.Errorf("failed to start MCP server: %w", err)
			}
			return server.Run(cmd.Context())
		},
	}
}
