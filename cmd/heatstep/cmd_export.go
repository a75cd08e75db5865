package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nvandessel/heatstep/internal/export"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Convert a world to another format",
		Long: `Convert a world to an Arrow IPC stream (one row per cell: x, y, state,
properties, with width, height, alpha and clock in the schema metadata) or
re-encode it as text or binary.

Examples:
  heatstep export --input world.heat --output world.arrow
  heatstep step 0.1 100 < world.heat | heatstep export --format text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			input, _ := cmd.Flags().GetString("input")
			output, _ := cmd.Flags().GetString("output")
			format, _ := cmd.Flags().GetString("format")
			batchRows, _ := cmd.Flags().GetInt("batch-rows")

			g, err := readWorld(cmd, input)
			if err != nil {
				return err
			}

			switch format {
			case "arrow":
				write := func(f *os.File) error { return export.WriteArrow(f, g, batchRows) }
				if output == "" || output == "-" {
					return export.WriteArrow(cmd.OutOrStdout(), g, batchRows)
				}
				return writeFileAtomic(output, write)
			case "text", "binary":
				return writeWorld(cmd, output, g, format == "binary")
			default:
				return fmt.Errorf("unknown export format %q (want arrow, text or binary)", format)
			}
		},
	}
	cmd.Flags().String("input", "", "Read the world from this file instead of stdin")
	cmd.Flags().String("output", "", "Write to this file instead of stdout")
	cmd.Flags().String("format", "arrow", "Output format: arrow, text, binary")
	cmd.Flags().Int("batch-rows", export.DefaultBatchRows, "Grid rows per Arrow record batch")
	return cmd
}
