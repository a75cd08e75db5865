package mcp

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/heatstep/internal/checkpoint"
	"github.com/nvandessel/heatstep/internal/device"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/pathutil"
	"github.com/nvandessel/heatstep/internal/pipeline"
	"github.com/nvandessel/heatstep/internal/ratelimit"
	"github.com/nvandessel/heatstep/internal/runner"
	"github.com/nvandessel/heatstep/internal/store"
)

const (
	// maxToolSteps caps a single heat_step call.
	maxToolSteps = 1_000_000

	// maxToolSide caps generated world dimensions.
	maxToolSide = 4096

	defaultRunsLimit = 20
)

// registerTools registers all heatstep MCP tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "heat_step",
		Description: "Advance a heat-diffusion world file by a number of time steps on the configured compute device",
	}, s.handleHeatStep)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "heat_generate",
		Description: "Generate a random bordered world with insulators and fixed heat sources",
	}, s.handleHeatGenerate)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "heat_runs",
		Description: "List recorded stepping runs, newest first",
	}, s.handleHeatRuns)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "heat_devices",
		Description: "List compute backends, platforms and devices",
	}, s.handleHeatDevices)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "heat_checkpoints",
		Description: "List checkpoints with their step, clock and dimensions",
	}, s.handleHeatCheckpoints)
}

// resolvePath confines a client-supplied path to the project root and
// ~/.heatstep. Relative paths are taken relative to the project root.
func (s *Server) resolvePath(path string) (string, error) {
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	allowed, err := pathutil.AllowedDirs(s.root)
	if err != nil {
		return "", err
	}
	return pathutil.Resolve(path, allowed)
}

// handleHeatStep implements the heat_step tool.
func (s *Server) handleHeatStep(ctx context.Context, req *sdk.CallToolRequest, args HeatStepInput) (_ *sdk.CallToolResult, _ HeatStepOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("heat_step", start, retErr, sanitizeToolParams(map[string]any{
			"input_path": args.InputPath, "output_path": args.OutputPath,
			"dt": args.Dt, "steps": args.Steps, "variant": args.Variant,
			"binary": args.Binary, "checkpoint_every": args.CheckpointEvery, "verify": args.Verify,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "heat_step"); err != nil {
		return nil, HeatStepOutput{}, err
	}
	if args.InputPath == "" {
		return nil, HeatStepOutput{}, fmt.Errorf("'input_path' parameter is required")
	}

	inputPath, err := s.resolvePath(args.InputPath)
	if err != nil {
		return nil, HeatStepOutput{}, fmt.Errorf("input path rejected: %w", err)
	}
	outputPath := inputPath
	if args.OutputPath != "" {
		if outputPath, err = s.resolvePath(args.OutputPath); err != nil {
			return nil, HeatStepOutput{}, fmt.Errorf("output path rejected: %w", err)
		}
	}

	dt, steps, variant := s.heat.Stepping.Dt, s.heat.Stepping.Steps, s.heat.Stepping.Variant
	if args.Dt != 0 {
		dt = args.Dt
	}
	if args.Steps != nil {
		steps = *args.Steps
	}
	if args.Variant != "" {
		variant = args.Variant
	}
	if !slices.Contains(pipeline.Variants(), variant) {
		return nil, HeatStepOutput{}, fmt.Errorf("unknown variant %q (available: %v)", variant, pipeline.Variants())
	}
	if steps < 0 || steps > maxToolSteps {
		return nil, HeatStepOutput{}, fmt.Errorf("steps must be between 0 and %d, got %d", maxToolSteps, steps)
	}
	if args.CheckpointEvery < 0 {
		return nil, HeatStepOutput{}, fmt.Errorf("checkpoint_every must be non-negative, got %d", args.CheckpointEvery)
	}

	g, err := readWorld(inputPath)
	if err != nil {
		return nil, HeatStepOutput{}, err
	}

	retention, err := checkpoint.PolicyFor(s.heat.Checkpoint.MaxCount, s.heat.Checkpoint.MaxAge)
	if err != nil {
		return nil, HeatStepOutput{}, err
	}
	checkpointDir := s.heat.Checkpoint.Dir
	if checkpointDir == "" {
		checkpointDir = checkpoint.DefaultDir(s.root)
	}

	report, err := runner.Run(ctx, g, runner.Options{
		Device:          s.heat.Device.DeviceOptions(),
		Variant:         variant,
		Dt:              dt,
		Steps:           steps,
		CheckpointEvery: args.CheckpointEvery,
		CheckpointDir:   checkpointDir,
		Retention:       retention,
		Verify:          args.Verify,
		VerifyTolerance: s.heat.Stepping.VerifyTolerance,
		Store:           s.store,
		Logger:          s.logger,
	})
	if err != nil {
		return nil, HeatStepOutput{}, fmt.Errorf("stepping %s: %w", pathutil.RedactPath(inputPath), err)
	}

	if err := writeWorld(outputPath, g, args.Binary); err != nil {
		return nil, HeatStepOutput{}, err
	}

	return nil, HeatStepOutput{
		RunID:       report.RunID,
		OutputPath:  outputPath,
		Variant:     report.Result.Pipeline,
		Device:      report.Device,
		Steps:       report.Result.Steps,
		ClockBefore: report.Result.ClockBefore,
		ClockAfter:  report.Result.ClockAfter,
		ElapsedMs:   report.Result.Elapsed.Milliseconds(),
		Checksum:    report.Checksum,
		Summary:     report.Summary,
		MaxDiff:     report.MaxDiff,
		Checkpoints: report.Checkpoints,
		Message: fmt.Sprintf("Stepped %dx%d world %d steps (clock %g -> %g) with %s on %s",
			g.Width, g.Height, report.Result.Steps, report.Result.ClockBefore, report.Result.ClockAfter,
			report.Result.Pipeline, report.Device),
	}, nil
}

// handleHeatGenerate implements the heat_generate tool.
func (s *Server) handleHeatGenerate(ctx context.Context, req *sdk.CallToolRequest, args HeatGenerateInput) (_ *sdk.CallToolResult, _ HeatGenerateOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("heat_generate", start, retErr, sanitizeToolParams(map[string]any{
			"output_path": args.OutputPath, "width": args.Width, "height": args.Height,
			"seed": args.Seed, "binary": args.Binary,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "heat_generate"); err != nil {
		return nil, HeatGenerateOutput{}, err
	}
	if args.OutputPath == "" {
		return nil, HeatGenerateOutput{}, fmt.Errorf("'output_path' parameter is required")
	}
	outputPath, err := s.resolvePath(args.OutputPath)
	if err != nil {
		return nil, HeatGenerateOutput{}, fmt.Errorf("output path rejected: %w", err)
	}

	opts := grid.DefaultGenerateOptions()
	if args.Width != 0 {
		opts.Width = args.Width
	}
	if args.Height != 0 {
		opts.Height = args.Height
	}
	if args.Alpha != 0 {
		opts.Alpha = args.Alpha
	}
	if opts.Width > maxToolSide || opts.Height > maxToolSide {
		return nil, HeatGenerateOutput{}, fmt.Errorf("world sides are limited to %d cells", maxToolSide)
	}
	seed := args.Seed
	if seed == 0 {
		seed = 1
	}

	g, err := grid.Generate(opts, rand.New(rand.NewSource(seed)))
	if err != nil {
		return nil, HeatGenerateOutput{}, err
	}
	if err := writeWorld(outputPath, g, args.Binary); err != nil {
		return nil, HeatGenerateOutput{}, err
	}

	return nil, HeatGenerateOutput{
		OutputPath: outputPath,
		Width:      g.Width,
		Height:     g.Height,
		Summary:    g.Summarize(),
		Message:    fmt.Sprintf("Generated %dx%d world (seed %d) at %s", g.Width, g.Height, seed, pathutil.RedactPath(outputPath)),
	}, nil
}

// handleHeatRuns implements the heat_runs tool.
func (s *Server) handleHeatRuns(ctx context.Context, req *sdk.CallToolRequest, args HeatRunsInput) (_ *sdk.CallToolResult, _ HeatRunsOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("heat_runs", start, retErr, sanitizeToolParams(map[string]any{
			"run_id": args.RunID, "variant": args.Variant, "status": args.Status, "limit": args.Limit,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "heat_runs"); err != nil {
		return nil, HeatRunsOutput{}, err
	}

	if args.RunID != "" {
		run, err := s.store.GetRun(ctx, args.RunID)
		if err != nil {
			return nil, HeatRunsOutput{}, err
		}
		return nil, HeatRunsOutput{Runs: []store.Run{*run}, Count: 1}, nil
	}

	limit := args.Limit
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	runs, err := s.store.ListRuns(ctx, store.RunFilter{Variant: args.Variant, Status: args.Status, Limit: limit})
	if err != nil {
		return nil, HeatRunsOutput{}, fmt.Errorf("listing runs: %w", err)
	}
	if runs == nil {
		runs = []store.Run{}
	}
	return nil, HeatRunsOutput{Runs: runs, Count: len(runs)}, nil
}

// handleHeatDevices implements the heat_devices tool.
func (s *Server) handleHeatDevices(ctx context.Context, req *sdk.CallToolRequest, args HeatDevicesInput) (_ *sdk.CallToolResult, _ HeatDevicesOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("heat_devices", start, retErr, sanitizeToolParams(map[string]any{"backend": args.Backend}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "heat_devices"); err != nil {
		return nil, HeatDevicesOutput{}, err
	}

	names := device.Backends()
	if args.Backend != "" {
		if _, err := device.Lookup(args.Backend); err != nil {
			return nil, HeatDevicesOutput{}, err
		}
		names = []string{args.Backend}
	}

	out := HeatDevicesOutput{
		Backends: make([]BackendInfo, 0, len(names)),
		Selected: fmt.Sprintf("%s platform %d device %d", s.heat.Device.Backend, s.heat.Device.Platform, s.heat.Device.Device),
	}
	for _, name := range names {
		info := BackendInfo{Name: name}
		platforms, err := device.Describe(name)
		if err != nil {
			info.Error = err.Error()
		}
		info.Platforms = platforms
		out.Backends = append(out.Backends, info)
	}
	return nil, out, nil
}

// handleHeatCheckpoints implements the heat_checkpoints tool.
func (s *Server) handleHeatCheckpoints(ctx context.Context, req *sdk.CallToolRequest, args HeatCheckpointsInput) (_ *sdk.CallToolResult, _ HeatCheckpointsOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("heat_checkpoints", start, retErr, sanitizeToolParams(map[string]any{"dir": args.Dir}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "heat_checkpoints"); err != nil {
		return nil, HeatCheckpointsOutput{}, err
	}

	dir := checkpoint.DefaultDir(s.root)
	if args.Dir != "" {
		resolved, err := s.resolvePath(args.Dir)
		if err != nil {
			return nil, HeatCheckpointsOutput{}, fmt.Errorf("checkpoint dir rejected: %w", err)
		}
		dir = resolved
	}

	infos, err := checkpoint.List(dir)
	if err != nil {
		return nil, HeatCheckpointsOutput{}, err
	}
	if infos == nil {
		infos = []checkpoint.Info{}
	}
	return nil, HeatCheckpointsOutput{Dir: dir, Checkpoints: infos, Count: len(infos)}, nil
}

func readWorld(path string) (*grid.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening world: %w", err)
	}
	defer f.Close()

	g, err := grid.Load(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", pathutil.RedactPath(path), err)
	}
	return g, nil
}

// writeWorld writes g under a temporary name and renames it into place.
func writeWorld(path string, g *grid.Grid, binary bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".heatstep-world-*")
	if err != nil {
		return fmt.Errorf("creating output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := grid.Save(tmp, g, binary); err != nil {
		tmp.Close()
		return fmt.Errorf("writing world: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing world: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", pathutil.RedactPath(path), err)
	}
	return nil
}
