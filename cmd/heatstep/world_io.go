package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nvandessel/heatstep/internal/checkpoint"
	"github.com/nvandessel/heatstep/internal/config"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/logging"
)

// loadHeatConfig loads ~/.heatstep/config.yaml with environment overrides
// and applies the persistent --log-level flag.
func loadHeatConfig(cmd *cobra.Command) (*config.HeatConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

// newLogger builds the stderr logger for cfg.
func newLogger(cmd *cobra.Command, cfg *config.HeatConfig) *slog.Logger {
	if cfg.Logging.Format == "json" {
		return logging.NewJSONLogger(cfg.Logging.Level, cmd.ErrOrStderr())
	}
	return logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
}

// signalContext returns a context cancelled by an interrupt or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, shutdownSignals...)
}

// readWorld loads a world from path, or from stdin when path is "" or "-".
func readWorld(cmd *cobra.Command, path string) (*grid.Grid, error) {
	if path == "" || path == "-" {
		g, err := grid.Load(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading world from stdin: %w", err)
		}
		return g, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening world: %w", err)
	}
	defer f.Close()
	g, err := grid.Load(f)
	if err != nil {
		return nil, fmt.Errorf("reading world %s: %w", path, err)
	}
	return g, nil
}

// writeWorld saves g to path, or to stdout when path is "" or "-". Files
// are written under a temporary name and renamed into place.
func writeWorld(cmd *cobra.Command, path string, g *grid.Grid, binary bool) error {
	if path == "" || path == "-" {
		return grid.Save(cmd.OutOrStdout(), g, binary)
	}
	return writeFileAtomic(path, func(f *os.File) error { return grid.Save(f, g, binary) })
}

func writeFileAtomic(path string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".heatstep-*")
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func projectRoot(cmd *cobra.Command) string {
	root, _ := cmd.Flags().GetString("root")
	if root == "" {
		return "."
	}
	return root
}

func checkpointDir(cmd *cobra.Command, cfg *config.HeatConfig) string {
	if dir, _ := cmd.Flags().GetString("checkpoint-dir"); dir != "" {
		return dir
	}
	if cfg.Checkpoint.Dir != "" {
		return cfg.Checkpoint.Dir
	}
	return checkpoint.DefaultDir(projectRoot(cmd))
}
