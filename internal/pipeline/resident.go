package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nvandessel/heatstep/internal/device"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/logging"
	"github.com/nvandessel/heatstep/internal/stencil"
)

// ResidentPipeline keeps the state on the device between steps and reads
// it back once. It dispatches the packed kernel, so each work item loads a
// single property record instead of five.
//
// On failure g is left exactly as it was: the state is only downloaded,
// and the clock only committed, after the last step.
type ResidentPipeline struct {
	dev    device.Device
	logger *slog.Logger
}

// pingPong holds the two state buffers. After a step the buffer just
// written becomes current.
type pingPong struct {
	current device.Buffer
	next    device.Buffer
}

func (pp *pingPong) swap() {
	pp.current, pp.next = pp.next, pp.current
}

func (p *ResidentPipeline) Name() string { return VariantResident }

func (p *ResidentPipeline) Run(g *grid.Grid, params Params, steps int) error {
	if err := checkRun(g, steps); err != nil {
		return err
	}
	if steps == 0 {
		return nil
	}

	n := g.Cells()
	packed := stencil.Pack(g.Properties, g.Width, g.Height)

	bufs := &buffers{dev: p.dev}
	defer bufs.release()

	props, err := bufs.uint32s(n, device.ReadOnly)
	if err != nil {
		return fmt.Errorf("allocating properties: %w", err)
	}
	var pp pingPong
	if pp.current, err = bufs.float32s(n, device.ReadWrite); err != nil {
		return fmt.Errorf("allocating state: %w", err)
	}
	if pp.next, err = bufs.float32s(n, device.ReadWrite); err != nil {
		return fmt.Errorf("allocating state: %w", err)
	}

	if _, err := p.dev.WriteUint32(props, packed, false, nil); err != nil {
		return fmt.Errorf("uploading properties: %w", err)
	}
	if _, err := p.dev.WriteFloat32(pp.current, g.State, false, nil); err != nil {
		return fmt.Errorf("uploading state: %w", err)
	}
	if err := p.dev.Barrier(); err != nil {
		return fmt.Errorf("barrier after upload: %w", err)
	}
	p.logger.Debug("resident pipeline ready", "device", p.dev.Name(), "cells", n, "steps", steps)

	clock := g.Clock
	for t := 0; t < steps; t++ {
		args := device.KernelArgs{
			Width:      g.Width,
			Height:     g.Height,
			State:      pp.current,
			Properties: props,
			Next:       pp.next,
			Weights:    params.Weights,
		}
		if _, err := p.dev.Dispatch(device.KernelPacked, args, nil); err != nil {
			return fmt.Errorf("step %d: dispatch: %w", t, err)
		}
		if err := p.dev.Barrier(); err != nil {
			return fmt.Errorf("step %d: barrier: %w", t, err)
		}
		pp.swap()
		clock += params.Dt
		p.logger.Log(context.Background(), logging.LevelTrace, "step enqueued", "step", t, "clock", clock)
	}

	out := make([]float32, n)
	if _, err := p.dev.ReadFloat32(pp.current, out, true, nil); err != nil {
		return fmt.Errorf("downloading state: %w", err)
	}
	if err := p.dev.Finish(); err != nil {
		return fmt.Errorf("finishing queue: %w", err)
	}

	g.State = out
	g.Clock = clock
	return nil
}
