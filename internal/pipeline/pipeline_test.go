package pipeline

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/nvandessel/heatstep/internal/device"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/stencil"
)

const tolerance = 1e-5

func newDevice(t *testing.T) *device.CPUDevice {
	t.Helper()
	dev := device.NewCPUDevice(3, 0)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func randomWorld(rng *rand.Rand, w, h int) *grid.Grid {
	g := grid.New(w, h, 0.05+rng.Float32()*0.5)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := g.Index(x, y)
			g.State[i] = rng.Float32()
			switch {
			case x == 0 || y == 0 || x == w-1 || y == h-1:
				if rng.Intn(2) == 0 {
					g.Properties[i] = grid.CellFixed
				} else {
					g.Properties[i] = grid.CellInsulator
				}
			case rng.Float32() < 0.1:
				g.Properties[i] = grid.CellInsulator
			case rng.Float32() < 0.05:
				g.Properties[i] = grid.CellFixed
			}
		}
	}
	return g
}

func runVariant(t *testing.T, variant string, dev device.Device, g *grid.Grid, dt float32, steps int) {
	t.Helper()
	p, err := New(variant, dev, nil)
	if err != nil {
		t.Fatalf("New(%q) error = %v", variant, err)
	}
	params := Params{Weights: stencil.NewWeights(g.Alpha, dt), Dt: dt}
	if err := p.Run(g, params, steps); err != nil {
		t.Fatalf("%s Run() error = %v", variant, err)
	}
}

func TestVariantsMatchReference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dev := newDevice(t)

	for trial := 0; trial < 12; trial++ {
		w, h := 3+rng.Intn(20), 3+rng.Intn(20)
		steps := rng.Intn(25)
		dt := 0.05 + rng.Float32()*0.5
		world := randomWorld(rng, w, h)

		want := world.Clone()
		if err := stencil.Reference(want, dt, steps); err != nil {
			t.Fatalf("Reference() error = %v", err)
		}

		for _, variant := range Variants() {
			got := world.Clone()
			runVariant(t, variant, dev, got, dt, steps)

			diff, err := stencil.MaxAbsDiff(got.State, want.State)
			if err != nil {
				t.Fatal(err)
			}
			if diff > tolerance {
				t.Errorf("trial %d %s %dx%d n=%d: max diff %g", trial, variant, w, h, steps, diff)
			}
			if got.Clock != want.Clock {
				t.Errorf("trial %d %s: clock = %v, want %v", trial, variant, got.Clock, want.Clock)
			}
			for i, p := range world.Properties {
				if grid.IsStatic(p) && got.State[i] != world.State[i] {
					t.Errorf("trial %d %s: static cell %d changed %v -> %v", trial, variant, i, world.State[i], got.State[i])
				}
				if got.State[i] < 0 || got.State[i] > 1 {
					t.Errorf("trial %d %s: cell %d = %v outside [0,1]", trial, variant, i, got.State[i])
				}
			}
		}
	}
}

func TestFourByFourScenario(t *testing.T) {
	for _, variant := range Variants() {
		t.Run(variant, func(t *testing.T) {
			g := grid.Bordered(4, 4, 0.5, 1, 0)
			g.State[g.Index(1, 1)] = 0.5
			runVariant(t, variant, newDevice(t), g, 1, 1)

			// outer = 0.5, inner = 0.875, weight = 2.875 for every interior cell.
			checks := []struct {
				x, y int
				want float32
			}{
				{1, 1, (0.875*0.5 + 0.5*2) / 2.875},
				{2, 1, 0.5 * 2.5 / 2.875},
				{1, 2, 0.5 * 2.5 / 2.875},
				{2, 2, 0.5 * 2 / 2.875},
				{0, 0, 1},
			}
			for _, c := range checks {
				got := g.State[g.Index(c.x, c.y)]
				if d := got - c.want; d > tolerance || d < -tolerance {
					t.Errorf("cell (%d,%d) = %v, want %v", c.x, c.y, got, c.want)
				}
			}
		})
	}
}

func TestFourByFourColdInterior(t *testing.T) {
	// alpha=1, dt=0.1: outer = 0.1, inner = 0.975, weight = 1.375.
	want := float32(0.2 / 1.375)
	results := make(map[string]*grid.Grid)
	for _, variant := range Variants() {
		t.Run(variant, func(t *testing.T) {
			g := grid.Bordered(4, 4, 1, 1, 0)
			runVariant(t, variant, newDevice(t), g, 0.1, 1)
			for _, xy := range [][2]int{{1, 1}, {2, 1}, {1, 2}, {2, 2}} {
				got := g.State[g.Index(xy[0], xy[1])]
				if d := got - want; d > tolerance || d < -tolerance {
					t.Errorf("cell %v = %v, want %v", xy, got, want)
				}
			}
			results[variant] = g
		})
	}

	a, b := results[VariantTransfer], results[VariantResident]
	if a == nil || b == nil {
		t.Fatal("a variant did not run")
	}
	if diff, _ := stencil.MaxAbsDiff(a.State, b.State); diff > tolerance {
		t.Errorf("variants disagree by %g", diff)
	}
}

func TestNaNNeighbourClampsToZero(t *testing.T) {
	const world = `HeatWorld v1.0
3 3 1 0
text
0 NaN 0
0 0.5 0
0 0 0
1 1 1
1 0 1
1 1 1
`
	for _, variant := range Variants() {
		t.Run(variant, func(t *testing.T) {
			g, err := grid.Load(strings.NewReader(world))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			runVariant(t, variant, newDevice(t), g, 0.1, 1)
			if got := g.State[g.Index(1, 1)]; got != 0 {
				t.Errorf("interior = %v, want 0", got)
			}
		})
	}

	ref, err := grid.Load(strings.NewReader(world))
	if err != nil {
		t.Fatal(err)
	}
	if err := stencil.Reference(ref, 0.1, 1); err != nil {
		t.Fatal(err)
	}
	if got := ref.State[ref.Index(1, 1)]; got != 0 {
		t.Errorf("reference interior = %v, want 0", got)
	}
}

func TestEnclosedCellStaysConstant(t *testing.T) {
	for _, variant := range Variants() {
		t.Run(variant, func(t *testing.T) {
			g := grid.Bordered(5, 5, 0.9, 1, 0)
			for _, xy := range [][2]int{{2, 1}, {1, 2}, {3, 2}, {2, 3}} {
				g.Properties[g.Index(xy[0], xy[1])] = grid.CellInsulator
			}
			center := g.Index(2, 2)
			g.State[center] = 0.37
			runVariant(t, variant, newDevice(t), g, 0.3, 40)
			if g.State[center] != 0.37 {
				t.Errorf("enclosed cell = %v, want 0.37", g.State[center])
			}
		})
	}
}

func TestZeroStepsLeavesGridUntouched(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, variant := range Variants() {
		g := randomWorld(rng, 6, 6)
		g.Clock = 2.5
		before := g.Clone()

		dev := &countingDevice{Device: newDevice(t)}
		runVariant(t, variant, dev, g, 0.1, 0)

		if dev.calls != 0 {
			t.Errorf("%s: %d device calls for zero steps", variant, dev.calls)
		}
		if g.Clock != before.Clock {
			t.Errorf("%s: clock = %v, want %v", variant, g.Clock, before.Clock)
		}
		for i := range g.State {
			if g.State[i] != before.State[i] {
				t.Fatalf("%s: cell %d changed", variant, i)
			}
		}
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	dev := newDevice(t)
	for _, variant := range Variants() {
		p, err := New(variant, dev, nil)
		if err != nil {
			t.Fatal(err)
		}
		params := Params{Weights: stencil.NewWeights(0.1, 0.1), Dt: 0.1}

		if err := p.Run(grid.Bordered(4, 4, 0.1, 0, 0), params, -1); err == nil {
			t.Errorf("%s: expected error for negative steps", variant)
		}

		bad := grid.Bordered(4, 4, 0.1, 0, 0)
		bad.Properties[bad.Index(3, 2)] = 0
		if err := p.Run(bad, params, 1); !errors.Is(err, grid.ErrInvalidGrid) {
			t.Errorf("%s: Run() error = %v, want ErrInvalidGrid", variant, err)
		}
	}
}

func TestNewUnknownVariant(t *testing.T) {
	if _, err := New("sideways", newDevice(t), nil); err == nil {
		t.Error("expected error for unknown variant")
	}
	if _, err := New(VariantTransfer, nil, nil); err == nil {
		t.Error("expected error for nil device")
	}
}

func TestAllocationFailureIsReported(t *testing.T) {
	g := grid.Bordered(16, 16, 0.1, 1, 0)
	for _, variant := range Variants() {
		dev := device.NewCPUDevice(1, int64(g.Cells()*4*2))
		p, _ := New(variant, dev, nil)
		err := p.Run(g.Clone(), Params{Weights: stencil.NewWeights(0.1, 0.1), Dt: 0.1}, 1)
		if !errors.Is(err, device.ErrAllocation) {
			t.Errorf("%s: Run() error = %v, want ErrAllocation", variant, err)
		}
		if dev.Allocated() != 0 {
			t.Errorf("%s: %d bytes leaked", variant, dev.Allocated())
		}
		dev.Close()
	}
}

func TestPartialFailure(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	world := randomWorld(rng, 8, 7)
	const dt = 0.2

	t.Run("transfer keeps completed steps", func(t *testing.T) {
		g := world.Clone()
		dev := &countingDevice{Device: newDevice(t), failDispatch: 3}
		p, _ := New(VariantTransfer, dev, nil)
		err := p.Run(g, Params{Weights: stencil.NewWeights(g.Alpha, dt), Dt: dt}, 5)
		if !errors.Is(err, errInjected) {
			t.Fatalf("Run() error = %v, want injected failure", err)
		}

		want := world.Clone()
		if err := stencil.Reference(want, dt, 2); err != nil {
			t.Fatal(err)
		}
		if g.Clock != want.Clock {
			t.Errorf("clock = %v, want %v", g.Clock, want.Clock)
		}
		if diff, _ := stencil.MaxAbsDiff(g.State, want.State); diff > tolerance {
			t.Errorf("state differs from two completed steps by %g", diff)
		}
	})

	t.Run("resident leaves grid unchanged", func(t *testing.T) {
		g := world.Clone()
		dev := &countingDevice{Device: newDevice(t), failDispatch: 3}
		p, _ := New(VariantResident, dev, nil)
		err := p.Run(g, Params{Weights: stencil.NewWeights(g.Alpha, dt), Dt: dt}, 5)
		if !errors.Is(err, errInjected) {
			t.Fatalf("Run() error = %v, want injected failure", err)
		}
		if g.Clock != world.Clock {
			t.Errorf("clock = %v, want %v", g.Clock, world.Clock)
		}
		for i := range g.State {
			if g.State[i] != world.State[i] {
				t.Fatalf("cell %d changed after failed run", i)
			}
		}
	})
}

var errInjected = errors.New("injected dispatch failure")

// countingDevice counts device calls and can fail the nth dispatch.
type countingDevice struct {
	device.Device
	calls        int
	dispatches   int
	failDispatch int
}

func (d *countingDevice) AllocFloat32(n int, a device.Access) (device.Buffer, error) {
	d.calls++
	return d.Device.AllocFloat32(n, a)
}

func (d *countingDevice) AllocUint32(n int, a device.Access) (device.Buffer, error) {
	d.calls++
	return d.Device.AllocUint32(n, a)
}

func (d *countingDevice) Dispatch(k device.Kernel, args device.KernelArgs, wait []device.Event) (device.Event, error) {
	d.calls++
	d.dispatches++
	if d.dispatches == d.failDispatch {
		return nil, errInjected
	}
	return d.Device.Dispatch(k, args, wait)
}
