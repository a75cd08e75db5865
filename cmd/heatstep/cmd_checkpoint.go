package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nvandessel/heatstep/internal/checkpoint"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect, verify and restore checkpoints",
		Long: `Checkpoints are written by "heatstep step --checkpoint-every N" into
.heatstep/checkpoints (or --checkpoint-dir). Each holds a compressed world
and a checksummed header.`,
	}
	cmd.PersistentFlags().String("checkpoint-dir", "", "Checkpoint directory (default .heatstep/checkpoints)")

	cmd.AddCommand(
		newCheckpointListCmd(),
		newCheckpointVerifyCmd(),
		newCheckpointRestoreCmd(),
		newCheckpointPruneCmd(),
	)
	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			cfg, err := loadHeatConfig(cmd)
			if err != nil {
				return err
			}
			dir := checkpointDir(cmd, cfg)

			infos, err := checkpoint.List(dir)
			if err != nil {
				return err
			}
			if jsonOut {
				if infos == nil {
					infos = []checkpoint.Info{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(infos)
			}

			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintf(out, "No checkpoints in %s\n", dir)
				return nil
			}
			var total int64
			for _, c := range infos {
				total += c.Size
				if c.Err != "" {
					fmt.Fprintf(out, "  %s  (unreadable: %s)\n", filepath.Base(c.Path), c.Err)
					continue
				}
				fmt.Fprintf(out, "  %s  step %-9d clock %-10g %dx%d  %s  %s\n",
					filepath.Base(c.Path), c.Step, c.Clock, c.Width, c.Height,
					humanize.IBytes(uint64(c.Size)), humanize.Time(c.CreatedAt))
			}
			fmt.Fprintf(out, "Total: %d checkpoints, %s\n", len(infos), humanize.IBytes(uint64(total)))
			return nil
		},
	}
}

func newCheckpointVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "Verify a checkpoint's checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			path := args[0]

			err := checkpoint.Verify(path)
			if jsonOut {
				result := map[string]any{"file": path, "valid": err == nil}
				if err != nil {
					result["error"] = err.Error()
				}
				if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(result); encErr != nil {
					return encErr
				}
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "FAILED: %v\n  File: %s\n", err, path)
				return fmt.Errorf("checkpoint verification failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: checksum verified\n  File: %s\n", path)
			return nil
		},
	}
}

func newCheckpointRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Write the world stored in a checkpoint",
		Long: `Write the world stored in a checkpoint to stdout (or --output) so it
can be stepped further. Without a file the newest readable checkpoint is used.

Examples:
  heatstep checkpoint restore | heatstep step 0.1 1000 > resumed.heat`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			binary, _ := cmd.Flags().GetBool("binary")

			var path string
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadHeatConfig(cmd)
				if err != nil {
					return err
				}
				latest, err := checkpoint.Latest(checkpointDir(cmd, cfg))
				if err != nil {
					return err
				}
				path = latest.Path
			}

			g, header, err := checkpoint.Read(path)
			if err != nil {
				return err
			}
			if err := writeWorld(cmd, output, g, binary); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Restored %dx%d world at step %d (clock %g) from %s\n",
				header.Width, header.Height, header.Step, header.Clock, filepath.Base(path))
			return nil
		},
	}
	cmd.Flags().String("output", "", "Write to this file instead of stdout")
	cmd.Flags().Bool("binary", false, "Write the binary encoding")
	return cmd
}

func newCheckpointPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the configured retention policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			cfg, err := loadHeatConfig(cmd)
			if err != nil {
				return err
			}
			policy, err := checkpoint.PolicyFor(cfg.Checkpoint.MaxCount, cfg.Checkpoint.MaxAge)
			if err != nil {
				return err
			}

			var deleted []string
			if policy != nil {
				if deleted, err = checkpoint.ApplyRetention(checkpointDir(cmd, cfg), policy); err != nil {
					return err
				}
			}
			if jsonOut {
				if deleted == nil {
					deleted = []string{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"deleted": deleted})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoints\n", len(deleted))
			return nil
		},
	}
}
