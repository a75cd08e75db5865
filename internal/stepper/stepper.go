// Package stepper is the entry point for advancing a world: it validates the
// grid, derives the stencil weights once per run and hands the work to a
// pipeline.
package stepper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/logging"
	"github.com/nvandessel/heatstep/internal/pipeline"
	"github.com/nvandessel/heatstep/internal/stencil"
)

// Result summarizes one StepWorld call.
type Result struct {
	Steps       int           `json:"steps"`
	Dt          float32       `json:"dt"`
	ClockBefore float32       `json:"clock_before"`
	ClockAfter  float32       `json:"clock_after"`
	Elapsed     time.Duration `json:"elapsed"`
	Pipeline    string        `json:"pipeline"`
}

// BatchInfo describes a completed batch of a RunBatches call.
type BatchInfo struct {
	Batch     int
	Batches   int
	StepsDone int
	Steps     int
	Result    *Result
}

// Stepper advances worlds with a fixed pipeline.
type Stepper struct {
	Pipeline pipeline.Pipeline
	Logger   *slog.Logger

	// Trace, when set, receives one event per StepWorld call.
	Trace *logging.TraceLogger
}

// New returns a Stepper using p.
func New(p pipeline.Pipeline, logger *slog.Logger) *Stepper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stepper{Pipeline: p, Logger: logger}
}

// StepWorld advances g by n steps of size dt. The grid is validated before
// any device work.
func (s *Stepper) StepWorld(g *grid.Grid, dt float32, n int) (*Result, error) {
	if s.Pipeline == nil {
		return nil, fmt.Errorf("stepper has no pipeline")
	}
	if n < 0 {
		return nil, fmt.Errorf("step count must be non-negative, got %d", n)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Steps:       n,
		Dt:          dt,
		ClockBefore: g.Clock,
		Pipeline:    s.Pipeline.Name(),
	}
	params := pipeline.Params{Weights: stencil.NewWeights(g.Alpha, dt), Dt: dt}
	s.logger().Debug("stepping world",
		"pipeline", res.Pipeline,
		"width", g.Width, "height", g.Height,
		"steps", n, "dt", dt,
		"outer", params.Weights.Outer, "inner", params.Weights.Inner)

	start := time.Now()
	err := s.Pipeline.Run(g, params, n)
	res.Elapsed = time.Since(start)
	res.ClockAfter = g.Clock

	s.Trace.Log(map[string]any{
		"event":        "step_world",
		"pipeline":     res.Pipeline,
		"steps":        n,
		"dt":           dt,
		"clock_before": res.ClockBefore,
		"clock_after":  res.ClockAfter,
		"elapsed_ms":   res.Elapsed.Milliseconds(),
		"ok":           err == nil,
	})
	if err != nil {
		return res, fmt.Errorf("%s pipeline: %w", res.Pipeline, err)
	}
	return res, nil
}

// RunBatches advances g by n steps in batches of every steps, calling
// onBatch after each. every <= 0 runs a single batch. ctx is checked
// between batches only; a running batch is never interrupted.
func (s *Stepper) RunBatches(ctx context.Context, g *grid.Grid, dt float32, n, every int, onBatch func(BatchInfo, *grid.Grid) error) (*Result, error) {
	if n < 0 {
		return nil, fmt.Errorf("step count must be non-negative, got %d", n)
	}
	if every <= 0 || every > n {
		every = n
	}
	batches := 1
	if every > 0 {
		batches = (n + every - 1) / every
	}

	total := &Result{Dt: dt, ClockBefore: g.Clock, ClockAfter: g.Clock}
	if s.Pipeline != nil {
		total.Pipeline = s.Pipeline.Name()
	}
	done := 0
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		size := min(every, n-done)
		res, err := s.StepWorld(g, dt, size)
		if res != nil {
			total.Elapsed += res.Elapsed
			total.ClockAfter = res.ClockAfter
		}
		if err != nil {
			return total, fmt.Errorf("batch %d of %d: %w", b+1, batches, err)
		}
		done += size
		total.Steps = done

		if onBatch != nil {
			info := BatchInfo{Batch: b + 1, Batches: batches, StepsDone: done, Steps: n, Result: res}
			if err := onBatch(info, g); err != nil {
				return total, fmt.Errorf("after batch %d: %w", b+1, err)
			}
		}
	}
	return total, nil
}

func (s *Stepper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
