package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "heatstep",
		Short: "Heat diffusion stepping on compute devices",
		Long: `heatstep advances 2-D heat-diffusion worlds on a compute device.

A world is a grid of temperatures in [0,1] with per-cell properties: fixed
cells hold their temperature and insulators block conduction. Worlds are
read from stdin and written to stdout unless --input/--output are given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("root", ".", "Project root directory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: error, warn, info, debug, trace (overrides config)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newStepCmd(),
		newMakeWorldCmd(),
		newDevicesCmd(),
		newRunsCmd(),
		newCheckpointCmd(),
		newExportCmd(),
		newConfigCmd(),
		newMCPServerCmd(),
	)
	return rootCmd
}
