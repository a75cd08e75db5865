// Package runner drives a complete stepping run: it opens the device, steps
// the world in batches and handles everything around the stepper that a
// caller asks for (checkpoints, live frames, verification, the run ledger).
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvandessel/heatstep/internal/checkpoint"
	"github.com/nvandessel/heatstep/internal/device"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/logging"
	"github.com/nvandessel/heatstep/internal/pipeline"
	"github.com/nvandessel/heatstep/internal/stencil"
	"github.com/nvandessel/heatstep/internal/stepper"
	"github.com/nvandessel/heatstep/internal/store"
	"github.com/nvandessel/heatstep/internal/watch"
)

// ErrVerification is returned when a verified run differs from the
// sequential reference by more than the tolerance.
var ErrVerification = errors.New("result differs from sequential reference")

// DefaultVerifyTolerance is used when Options.VerifyTolerance is zero.
const DefaultVerifyTolerance = 1e-4

// Publisher receives a frame after every batch.
type Publisher interface {
	Publish(watch.Frame) error
}

// Options configures Run.
type Options struct {
	Device  device.Config
	Variant string
	Dt      float32
	Steps   int

	// CheckpointEvery > 0 writes a checkpoint to CheckpointDir every that
	// many steps. Retention, when set, is applied after the run.
	CheckpointEvery int
	CheckpointDir   string
	Retention       checkpoint.RetentionPolicy

	// BatchSteps splits the run for live frames when no checkpoint interval
	// is set. Zero runs a single batch.
	BatchSteps int
	Watch      Publisher

	Verify          bool
	VerifyTolerance float64

	// Store, when set, receives a record of the run, failed or not.
	Store store.RunStore

	// TraceDir, when set, receives trace.jsonl at debug or trace level.
	TraceDir string
	LogLevel string

	Logger *slog.Logger
}

// Report describes a finished run.
type Report struct {
	RunID       string          `json:"run_id,omitempty"`
	Backend     string          `json:"backend"`
	Device      string          `json:"device"`
	Result      *stepper.Result `json:"result"`
	Checksum    string          `json:"checksum"`
	Summary     grid.Summary    `json:"summary"`
	MaxDiff     *float64        `json:"max_diff,omitempty"`
	Checkpoints []string        `json:"checkpoints,omitempty"`
	Pruned      []string        `json:"pruned,omitempty"`
}

// Run steps g in place according to opts. The grid is validated before
// the device is opened. When opts.Store is set the run is recorded even if
// it fails after the device was opened.
func Run(ctx context.Context, g *grid.Grid, opts Options) (*Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Steps < 0 {
		return nil, fmt.Errorf("step count must be non-negative, got %d", opts.Steps)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	var reference *grid.Grid
	if opts.Verify {
		reference = g.Clone()
	}

	dev, err := device.Open(opts.Device, logger)
	if err != nil {
		return nil, fmt.Errorf("opening device: %w", err)
	}
	defer dev.Close()

	p, err := pipeline.New(opts.Variant, dev, logger)
	if err != nil {
		return nil, err
	}
	st := stepper.New(p, logger)
	if opts.TraceDir != "" {
		st.Trace = logging.NewTraceLogger(opts.TraceDir, opts.LogLevel)
		defer st.Trace.Close()
	}

	report := &Report{Backend: opts.Device.Backend, Device: dev.Name()}
	started := time.Now()
	clockBefore := g.Clock

	every := opts.BatchSteps
	if opts.CheckpointEvery > 0 {
		every = opts.CheckpointEvery
	}
	res, runErr := st.RunBatches(ctx, g, opts.Dt, opts.Steps, every, func(info stepper.BatchInfo, g *grid.Grid) error {
		logger.Debug("batch complete", "batch", info.Batch, "of", info.Batches, "steps_done", info.StepsDone, "clock", g.Clock)
		if opts.CheckpointEvery > 0 && opts.CheckpointDir != "" {
			path, err := checkpoint.Save(opts.CheckpointDir, g, checkpoint.Meta{
				Step:     info.StepsDone,
				Metadata: map[string]string{"variant": p.Name(), "backend": opts.Device.Backend},
			})
			if err != nil {
				return fmt.Errorf("writing checkpoint: %w", err)
			}
			report.Checkpoints = append(report.Checkpoints, path)
			logger.Info("checkpoint written", "path", path, "step", info.StepsDone)
		}
		if opts.Watch != nil {
			if err := opts.Watch.Publish(watch.NewFrame(info, g, watch.DefaultMaxSide)); err != nil {
				logger.Warn("publishing frame failed", "error", err)
			}
		}
		return nil
	})
	report.Result = res
	report.Checksum = store.StateChecksum(g.State)
	report.Summary = g.Summarize()

	if runErr == nil && reference != nil {
		runErr = verify(reference, g, opts, report)
	}

	if len(report.Checkpoints) > 0 && opts.Retention != nil {
		pruned, err := checkpoint.ApplyRetention(opts.CheckpointDir, opts.Retention)
		if err != nil {
			logger.Warn("applying checkpoint retention failed", "error", err)
		}
		report.Pruned = pruned
	}

	if opts.Store != nil {
		run := store.Run{
			StartedAt:   started,
			Elapsed:     time.Since(started),
			Status:      store.StatusOK,
			Variant:     p.Name(),
			Backend:     opts.Device.Backend,
			Device:      dev.Name(),
			Width:       g.Width,
			Height:      g.Height,
			Dt:          opts.Dt,
			ClockBefore: clockBefore,
			ClockAfter:  g.Clock,
			Checksum:    report.Checksum,
			MaxDiff:     report.MaxDiff,
			MeanTemp:    report.Summary.Mean,
		}
		if res != nil {
			run.Steps = res.Steps
		}
		if runErr != nil {
			run.Status = store.StatusFailed
			run.Error = runErr.Error()
		}
		id, err := opts.Store.RecordRun(context.WithoutCancel(ctx), run)
		if err != nil {
			logger.Warn("recording run failed", "error", err)
		}
		report.RunID = id
	}

	return report, runErr
}

func verify(reference, got *grid.Grid, opts Options, report *Report) error {
	if err := stencil.Reference(reference, opts.Dt, opts.Steps); err != nil {
		return fmt.Errorf("computing reference: %w", err)
	}
	diff, err := stencil.MaxAbsDiff(got.State, reference.State)
	if err != nil {
		return err
	}
	report.MaxDiff = &diff

	tolerance := opts.VerifyTolerance
	if tolerance <= 0 {
		tolerance = DefaultVerifyTolerance
	}
	if diff > tolerance {
		return fmt.Errorf("%w: max difference %g exceeds %g", ErrVerification, diff, tolerance)
	}
	return nil
}
