package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvandessel/heatstep/internal/checkpoint"
	"github.com/nvandessel/heatstep/internal/config"
	"github.com/nvandessel/heatstep/internal/runner"
	"github.com/nvandessel/heatstep/internal/store"
	"github.com/nvandessel/heatstep/internal/watch"
)

// stepArgs holds the positional arguments of the step command.
type stepArgs struct {
	dt     float32
	steps  int
	binary bool
}

// parseStepArgs parses "[dt] [n] [binary]", falling back to the configured
// dt and n. binary is an integer; any non-zero value selects binary output.
func parseStepArgs(args []string, cfg *config.HeatConfig) (stepArgs, error) {
	out := stepArgs{dt: cfg.Stepping.Dt, steps: cfg.Stepping.Steps}
	if len(args) > 0 {
		dt, err := strconv.ParseFloat(args[0], 32)
		if err != nil {
			return out, fmt.Errorf("invalid dt %q: %w", args[0], err)
		}
		out.dt = float32(dt)
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return out, fmt.Errorf("invalid step count %q: %w", args[1], err)
		}
		if n < 0 {
			return out, fmt.Errorf("step count must be non-negative, got %d", n)
		}
		out.steps = n
	}
	if len(args) > 2 {
		b, err := strconv.Atoi(args[2])
		if err != nil {
			return out, fmt.Errorf("invalid binary flag %q: %w", args[2], err)
		}
		out.binary = b != 0
	}
	return out, nil
}

// applyStepFlags overrides cfg with the flags the user set explicitly.
func applyStepFlags(cmd *cobra.Command, cfg *config.HeatConfig) {
	flags := cmd.Flags()
	if flags.Changed("variant") {
		cfg.Stepping.Variant, _ = flags.GetString("variant")
	}
	if flags.Changed("backend") {
		cfg.Device.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("platform") {
		cfg.Device.Platform, _ = flags.GetInt("platform")
	}
	if flags.Changed("device") {
		cfg.Device.Device, _ = flags.GetInt("device")
	}
	if flags.Changed("kernel-dir") {
		cfg.Device.KernelDir, _ = flags.GetString("kernel-dir")
	}
	if flags.Changed("workers") {
		cfg.Device.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("checkpoint-every") {
		cfg.Checkpoint.Every, _ = flags.GetInt("checkpoint-every")
	}
	if flags.Changed("record") {
		cfg.Store.Record, _ = flags.GetBool("record")
	}
	if flags.Changed("watch") {
		cfg.Watch.Addr, _ = flags.GetString("watch")
	}
}

func newStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step [dt] [n] [binary]",
		Short: "Advance a world by n time steps",
		Long: `Read a world, advance it n steps of size dt on the selected device and
write the result. dt defaults to 0.1 and n to 1 (or the configured values);
a non-zero binary argument writes the binary encoding.

Examples:
  heatstep step < world.heat > stepped.heat
  heatstep step 0.05 1000 1 --input world.heat --output out.heat
  heatstep step 0.1 500 --variant transfer --verify
  heatstep step 0.1 100000 --checkpoint-every 10000 --watch localhost:8089`,
		Args: cobra.MaximumNArgs(3),
		RunE: runStep,
	}

	cmd.Flags().String("input", "", "Read the world from this file instead of stdin")
	cmd.Flags().String("output", "", "Write the stepped world to this file instead of stdout")
	cmd.Flags().String("variant", "", "Pipeline variant: transfer or resident")
	cmd.Flags().String("backend", "", "Device backend (cpu, opencl)")
	cmd.Flags().Int("platform", 0, "Platform index")
	cmd.Flags().Int("device", 0, "Device index within the platform")
	cmd.Flags().String("kernel-dir", "", "Directory containing step_world.cl")
	cmd.Flags().Int("workers", 0, "CPU backend worker goroutines (0 = GOMAXPROCS)")
	cmd.Flags().Int("checkpoint-every", 0, "Write a checkpoint every N steps")
	cmd.Flags().String("checkpoint-dir", "", "Checkpoint directory (default .heatstep/checkpoints)")
	cmd.Flags().String("watch", "", "Serve live frames over websocket on this address")
	cmd.Flags().Lookup("watch").NoOptDefVal = "localhost:0"
	cmd.Flags().Int("frame-every", 0, "Steps between live frames when watching (default n/50)")
	cmd.Flags().Bool("verify", false, "Compare the result with the sequential reference")
	cmd.Flags().Bool("record", false, "Record the run in .heatstep/runs.db")

	return cmd
}

func runStep(cmd *cobra.Command, args []string) error {
	cfg, err := loadHeatConfig(cmd)
	if err != nil {
		return err
	}
	applyStepFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	sa, err := parseStepArgs(args, cfg)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)
	jsonOut, _ := cmd.Flags().GetBool("json")
	inputPath, _ := cmd.Flags().GetString("input")
	outputPath, _ := cmd.Flags().GetString("output")
	verify, _ := cmd.Flags().GetBool("verify")
	root := projectRoot(cmd)

	g, err := readWorld(cmd, inputPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	opts := runner.Options{
		Device:          cfg.Device.DeviceOptions(),
		Variant:         cfg.Stepping.Variant,
		Dt:              sa.dt,
		Steps:           sa.steps,
		CheckpointEvery: cfg.Checkpoint.Every,
		Verify:          verify,
		VerifyTolerance: cfg.Stepping.VerifyTolerance,
		TraceDir:        filepath.Join(root, config.DirName),
		LogLevel:        cfg.Logging.Level,
		Logger:          logger,
	}
	if opts.CheckpointEvery > 0 {
		opts.CheckpointDir = checkpointDir(cmd, cfg)
		if opts.Retention, err = checkpoint.PolicyFor(cfg.Checkpoint.MaxCount, cfg.Checkpoint.MaxAge); err != nil {
			return err
		}
	}

	if cfg.Store.Record {
		runs, err := store.NewSQLiteRunStore(root)
		if err != nil {
			return fmt.Errorf("failed to open run store: %w", err)
		}
		defer runs.Close()
		opts.Store = runs
	}

	if cmd.Flags().Changed("watch") {
		srv := watch.NewServer(cfg.Watch.Addr, logger)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe(ctx) }()
		if err := waitListening(srv, errCh); err != nil {
			return fmt.Errorf("starting watch server: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Watching at ws://%s/frames\n", srv.Addr())
		opts.Watch = srv
		opts.BatchSteps, _ = cmd.Flags().GetInt("frame-every")
		if opts.BatchSteps <= 0 {
			opts.BatchSteps = max(1, sa.steps/50)
		}
	}

	report, err := runner.Run(ctx, g, opts)
	if err != nil {
		return err
	}
	if err := writeWorld(cmd, outputPath, g, sa.binary); err != nil {
		return err
	}

	res := report.Result
	logger.Info("step complete",
		"variant", res.Pipeline, "device", report.Device,
		"steps", res.Steps, "clock", res.ClockAfter,
		"elapsed", res.Elapsed.Round(time.Microsecond))
	if report.MaxDiff != nil {
		logger.Info("verified against reference", "max_diff", *report.MaxDiff)
	}
	if jsonOut {
		return json.NewEncoder(cmd.ErrOrStderr()).Encode(report)
	}
	return nil
}

// waitListening blocks until srv has an address or fails to start.
func waitListening(srv *watch.Server, errCh <-chan error) error {
	deadline := time.After(5 * time.Second)
	for srv.Addr() == "" {
		select {
		case err := <-errCh:
			if err == nil {
				err = fmt.Errorf("server stopped")
			}
			return err
		case <-deadline:
			return fmt.Errorf("timed out waiting for listener")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}
