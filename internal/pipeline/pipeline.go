// Package pipeline schedules stencil steps on a device.
//
// Two schedules are provided. The transfer pipeline round-trips the state
// through host memory every step and orders commands with event wait lists.
// The resident pipeline keeps the state on the device in a ping-pong pair
// of buffers, orders steps with queue barriers, and downloads once at the end.
package pipeline

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/nvandessel/heatstep/internal/device"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/stencil"
)

// Variant names.
const (
	VariantTransfer = "transfer"
	VariantResident = "resident"
)

// Params are the per-run constants shared by every step.
type Params struct {
	Weights stencil.Weights
	Dt      float32
}

// Pipeline advances a grid by a number of steps on one device.
type Pipeline interface {
	Name() string

	// Run advances g by steps steps. g must satisfy grid.Validate.
	Run(g *grid.Grid, p Params, steps int) error
}

// New returns the pipeline for variant bound to dev.
func New(variant string, dev device.Device, logger *slog.Logger) (Pipeline, error) {
	if dev == nil {
		return nil, fmt.Errorf("pipeline %q needs a device", variant)
	}
	if logger == nil {
		logger = slog.Default()
	}
	switch variant {
	case VariantTransfer:
		return &TransferPipeline{dev: dev, logger: logger}, nil
	case VariantResident:
		return &ResidentPipeline{dev: dev, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown pipeline variant %q (available: %v)", variant, Variants())
	}
}

// Variants returns the known variant names, sorted.
func Variants() []string {
	v := []string{VariantTransfer, VariantResident}
	sort.Strings(v)
	return v
}

func checkRun(g *grid.Grid, steps int) error {
	if steps < 0 {
		return fmt.Errorf("step count must be non-negative, got %d", steps)
	}
	return g.Validate()
}

// buffers tracks allocations so every exit path releases them.
type buffers struct {
	dev  device.Device
	held []device.Buffer
}

func (b *buffers) float32s(n int, access device.Access) (device.Buffer, error) {
	buf, err := b.dev.AllocFloat32(n, access)
	if err != nil {
		return nil, err
	}
	b.held = append(b.held, buf)
	return buf, nil
}

func (b *buffers) uint32s(n int, access device.Access) (device.Buffer, error) {
	buf, err := b.dev.AllocUint32(n, access)
	if err != nil {
		return nil, err
	}
	b.held = append(b.held, buf)
	return buf, nil
}

func (b *buffers) release() {
	for i := len(b.held) - 1; i >= 0; i-- {
		b.dev.Release(b.held[i])
	}
	b.held = nil
}
