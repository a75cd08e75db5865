package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nvandessel/heatstep/internal/store"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded step runs",
		Long: `List runs recorded in .heatstep/runs.db, newest first. Runs are recorded
by "heatstep step --record" (or store.record in the config) and by the
MCP server.

Examples:
  heatstep runs
  heatstep runs --variant resident --status failed --limit 5
  heatstep runs show run-1a2b3c4d5e6f`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")
			variant, _ := cmd.Flags().GetString("variant")
			status, _ := cmd.Flags().GetString("status")

			runs, err := store.NewSQLiteRunStore(projectRoot(cmd))
			if err != nil {
				return fmt.Errorf("failed to open run store: %w", err)
			}
			defer runs.Close()

			list, err := runs.ListRuns(cmd.Context(), store.RunFilter{Variant: variant, Status: status, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				if list == nil {
					list = []store.Run{}
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(list)
			}

			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			for _, r := range list {
				fmt.Fprintf(out, "%s  %-6s  %-8s  %4dx%-4d  n=%-8d dt=%-6g clock=%-8g %s  (%s)\n",
					r.ID, r.Status, r.Variant, r.Width, r.Height, r.Steps, r.Dt, r.ClockAfter,
					r.Elapsed.Round(time.Millisecond), humanize.Time(r.StartedAt))
			}
			fmt.Fprintf(out, "Total: %d runs\n", len(list))
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum runs to list (0 = all)")
	cmd.Flags().String("variant", "", "Only runs of this variant")
	cmd.Flags().String("status", "", "Only runs with this status (ok, failed)")

	cmd.AddCommand(newRunsShowCmd())
	return cmd
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			runs, err := store.NewSQLiteRunStore(projectRoot(cmd))
			if err != nil {
				return fmt.Errorf("failed to open run store: %w", err)
			}
			defer runs.Close()

			r, err := runs.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(r)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s\n", r.ID)
			fmt.Fprintf(out, "  Started:   %s (%s)\n", r.StartedAt.Local().Format(time.RFC3339), humanize.Time(r.StartedAt))
			fmt.Fprintf(out, "  Status:    %s\n", r.Status)
			if r.Error != "" {
				fmt.Fprintf(out, "  Error:     %s\n", r.Error)
			}
			fmt.Fprintf(out, "  Pipeline:  %s on %s (%s)\n", r.Variant, r.Device, r.Backend)
			fmt.Fprintf(out, "  World:     %dx%d\n", r.Width, r.Height)
			fmt.Fprintf(out, "  Steps:     %d x dt %g, clock %g -> %g\n", r.Steps, r.Dt, r.ClockBefore, r.ClockAfter)
			fmt.Fprintf(out, "  Elapsed:   %s\n", r.Elapsed)
			fmt.Fprintf(out, "  Mean temp: %.6f\n", r.MeanTemp)
			if r.MaxDiff != nil {
				fmt.Fprintf(out, "  Max diff:  %g\n", *r.MaxDiff)
			}
			fmt.Fprintf(out, "  Checksum:  %s\n", r.Checksum)
			return nil
		},
	}
}
