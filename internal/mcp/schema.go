package mcp

import (
	"github.com/nvandessel/heatstep/internal/checkpoint"
	"github.com/nvandessel/heatstep/internal/device"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/store"
)

// HeatStepInput defines the input for the heat_step tool.
type HeatStepInput struct {
	InputPath       string  `json:"input_path" jsonschema:"World file to step, inside the project or ~/.heatstep"`
	OutputPath      string  `json:"output_path,omitempty" jsonschema:"Where to write the stepped world (default: overwrite input_path)"`
	Dt              float32 `json:"dt,omitempty" jsonschema:"Time step size (default from config)"`
	Steps           *int    `json:"steps,omitempty" jsonschema:"Number of steps, zero allowed (default from config)"`
	Variant         string  `json:"variant,omitempty" jsonschema:"Pipeline variant: transfer or resident (default from config)"`
	Binary          bool    `json:"binary,omitempty" jsonschema:"Write the output in binary encoding"`
	CheckpointEvery int     `json:"checkpoint_every,omitempty" jsonschema:"Write a checkpoint every N steps"`
	Verify          bool    `json:"verify,omitempty" jsonschema:"Compare the result with the sequential reference"`
}

// HeatStepOutput defines the output for the heat_step tool.
type HeatStepOutput struct {
	RunID       string       `json:"run_id" jsonschema:"Run ledger ID"`
	OutputPath  string       `json:"output_path" jsonschema:"Path of the stepped world"`
	Variant     string       `json:"variant"`
	Device      string       `json:"device"`
	Steps       int          `json:"steps"`
	ClockBefore float32      `json:"clock_before"`
	ClockAfter  float32      `json:"clock_after"`
	ElapsedMs   int64        `json:"elapsed_ms"`
	Checksum    string       `json:"checksum" jsonschema:"sha256 of the final state"`
	Summary     grid.Summary `json:"summary" jsonschema:"Temperature statistics over updatable cells"`
	MaxDiff     *float64     `json:"max_diff,omitempty" jsonschema:"Largest difference from the reference when verified"`
	Checkpoints []string     `json:"checkpoints,omitempty"`
	Message     string       `json:"message"`
}

// HeatGenerateInput defines the input for the heat_generate tool.
type HeatGenerateInput struct {
	OutputPath string  `json:"output_path" jsonschema:"Where to write the world, inside the project or ~/.heatstep"`
	Width      int     `json:"width,omitempty" jsonschema:"World width in cells (default 64)"`
	Height     int     `json:"height,omitempty" jsonschema:"World height in cells (default 64)"`
	Alpha      float32 `json:"alpha,omitempty" jsonschema:"Diffusion coefficient (default 0.1)"`
	Seed       int64   `json:"seed,omitempty" jsonschema:"Random seed (default 1)"`
	Binary     bool    `json:"binary,omitempty" jsonschema:"Write the world in binary encoding"`
}

// HeatGenerateOutput defines the output for the heat_generate tool.
type HeatGenerateOutput struct {
	OutputPath string       `json:"output_path"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	Summary    grid.Summary `json:"summary"`
	Message    string       `json:"message"`
}

// HeatRunsInput defines the input for the heat_runs tool.
type HeatRunsInput struct {
	RunID   string `json:"run_id,omitempty" jsonschema:"Return only this run"`
	Variant string `json:"variant,omitempty" jsonschema:"Filter by pipeline variant"`
	Status  string `json:"status,omitempty" jsonschema:"Filter by status: ok or failed"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum runs to return (default 20)"`
}

// HeatRunsOutput defines the output for the heat_runs tool.
type HeatRunsOutput struct {
	Runs  []store.Run `json:"runs"`
	Count int         `json:"count"`
}

// HeatDevicesInput defines the input for the heat_devices tool.
type HeatDevicesInput struct {
	Backend string `json:"backend,omitempty" jsonschema:"Only describe this backend"`
}

// BackendInfo lists the platforms of one backend.
type BackendInfo struct {
	Name      string                `json:"name"`
	Platforms []device.PlatformInfo `json:"platforms,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// HeatDevicesOutput defines the output for the heat_devices tool.
type HeatDevicesOutput struct {
	Backends []BackendInfo `json:"backends"`
	Selected string        `json:"selected" jsonschema:"Backend, platform and device the server steps with"`
}

// HeatCheckpointsInput defines the input for the heat_checkpoints tool.
type HeatCheckpointsInput struct {
	Dir string `json:"dir,omitempty" jsonschema:"Checkpoint directory (default .heatstep/checkpoints)"`
}

// HeatCheckpointsOutput defines the output for the heat_checkpoints tool.
type HeatCheckpointsOutput struct {
	Dir         string            `json:"dir"`
	Checkpoints []checkpoint.Info `json:"checkpoints"`
	Count       int               `json:"count"`
}
