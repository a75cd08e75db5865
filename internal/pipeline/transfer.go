package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nvandessel/heatstep/internal/device"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/logging"
)

// TransferPipeline uploads the state, dispatches and downloads the result on
// every step. Properties are uploaded once.
//
// A failed step leaves g advanced by the steps that completed before it;
// state and clock always agree.
type TransferPipeline struct {
	dev    device.Device
	logger *slog.Logger
}

func (p *TransferPipeline) Name() string { return VariantTransfer }

func (p *TransferPipeline) Run(g *grid.Grid, params Params, steps int) error {
	if err := checkRun(g, steps); err != nil {
		return err
	}
	if steps == 0 {
		return nil
	}

	n := g.Cells()
	bufs := &buffers{dev: p.dev}
	defer bufs.release()

	props, err := bufs.uint32s(n, device.ReadOnly)
	if err != nil {
		return fmt.Errorf("allocating properties: %w", err)
	}
	state, err := bufs.float32s(n, device.ReadOnly)
	if err != nil {
		return fmt.Errorf("allocating state: %w", err)
	}
	next, err := bufs.float32s(n, device.WriteOnly)
	if err != nil {
		return fmt.Errorf("allocating output: %w", err)
	}
	if _, err := p.dev.WriteUint32(props, g.Properties, true, nil); err != nil {
		return fmt.Errorf("uploading properties: %w", err)
	}
	p.logger.Debug("transfer pipeline ready", "device", p.dev.Name(), "cells", n, "steps", steps)

	args := device.KernelArgs{
		Width:      g.Width,
		Height:     g.Height,
		State:      state,
		Properties: props,
		Next:       next,
		Weights:    params.Weights,
	}
	scratch := make([]float32, n)

	for t := 0; t < steps; t++ {
		// g.State must not change until the read below has waited on the
		// whole write -> dispatch chain.
		uploaded, err := p.dev.WriteFloat32(state, g.State, false, nil)
		if err != nil {
			return fmt.Errorf("step %d: uploading state: %w", t, err)
		}
		computed, err := p.dev.Dispatch(device.KernelPlain, args, []device.Event{uploaded})
		if err != nil {
			return fmt.Errorf("step %d: dispatch: %w", t, err)
		}
		if _, err := p.dev.ReadFloat32(next, scratch, true, []device.Event{computed}); err != nil {
			return fmt.Errorf("step %d: downloading state: %w", t, err)
		}

		g.State, scratch = scratch, g.State
		g.Clock += params.Dt
		p.logger.Log(context.Background(), logging.LevelTrace, "step complete", "step", t, "clock", g.Clock)
	}
	return nil
}
