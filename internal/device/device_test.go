package device

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/stencil"
)

func TestEmbeddedKernelDeclaresAllEntryPoints(t *testing.T) {
	src, err := LoadKernelSource("")
	if err != nil {
		t.Fatalf("LoadKernelSource() error = %v", err)
	}
	if missing := src.missingEntryPoints(); len(missing) != 0 {
		t.Errorf("embedded program is missing %v", missing)
	}
	if !strings.HasPrefix(src.Path, "embedded:") {
		t.Errorf("Path = %q, want embedded prefix", src.Path)
	}
}

func TestLoadKernelSourceFromDir(t *testing.T) {
	dir := t.TempDir()
	text := "__kernel void kernel_xy(int a) {}\n__kernel  void\nkernel_xy_packed (int b) {}\n"
	if err := os.WriteFile(filepath.Join(dir, KernelFile), []byte(text), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := LoadKernelSource(dir)
	if err != nil {
		t.Fatalf("LoadKernelSource() error = %v", err)
	}
	got := src.EntryPoints()
	if len(got) != 2 || got[0] != "kernel_xy" || got[1] != "kernel_xy_packed" {
		t.Errorf("EntryPoints() = %v", got)
	}
}

func TestLoadKernelSourceMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadKernelSource(dir)
	if err == nil {
		t.Fatal("expected error for missing kernel file")
	}
	if !strings.Contains(err.Error(), filepath.Join(dir, KernelFile)) {
		t.Errorf("error %q does not name the path", err)
	}
}

func TestOpenSelection(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "default cpu", cfg: Config{Backend: CPUBackendName}},
		{name: "unknown backend", cfg: Config{Backend: "quantum"}, wantErr: ErrUnknownBackend},
		{name: "platform out of range", cfg: Config{Backend: CPUBackendName, Platform: 3}, wantErr: ErrNoPlatform},
		{name: "negative platform", cfg: Config{Backend: CPUBackendName, Platform: -1}, wantErr: ErrNoPlatform},
		{name: "device out of range", cfg: Config{Backend: CPUBackendName, Device: 1}, wantErr: ErrNoDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, err := Open(tt.cfg, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Open() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer dev.Close()
			if dev.Name() == "" {
				t.Error("device has no name")
			}
		})
	}
}

func TestOpenBuildFailureCarriesLog(t *testing.T) {
	dir := t.TempDir()
	text := "__kernel void kernel_xy(__global float *s) {}\n"
	if err := os.WriteFile(filepath.Join(dir, KernelFile), []byte(text), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(Config{Backend: CPUBackendName, KernelDir: dir}, nil)
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("Open() error = %v, want *BuildError", err)
	}
	if !strings.Contains(buildErr.Log, string(KernelPacked)) {
		t.Errorf("build log %q does not mention %s", buildErr.Log, KernelPacked)
	}
	if !strings.Contains(err.Error(), "build log") {
		t.Errorf("Error() = %q, want build log section", err.Error())
	}
}

func TestBackendsIncludesCPU(t *testing.T) {
	found := false
	for _, name := range Backends() {
		if name == CPUBackendName {
			found = true
		}
	}
	if !found {
		t.Errorf("Backends() = %v, missing %s", Backends(), CPUBackendName)
	}

	platforms, err := Describe(CPUBackendName)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if len(platforms) != 1 || len(platforms[0].Devices) != 1 {
		t.Errorf("Describe() = %+v, want one platform with one device", platforms)
	}
}

func TestCPUAllocationCap(t *testing.T) {
	dev := NewCPUDevice(1, 64)
	defer dev.Close()

	a, err := dev.AllocFloat32(10, ReadWrite)
	if err != nil {
		t.Fatalf("AllocFloat32(10) error = %v", err)
	}
	if _, err := dev.AllocUint32(10, ReadOnly); !errors.Is(err, ErrAllocation) {
		t.Fatalf("second allocation error = %v, want ErrAllocation", err)
	}
	if _, err := dev.AllocFloat32(0, ReadOnly); !errors.Is(err, ErrAllocation) {
		t.Errorf("zero allocation error = %v, want ErrAllocation", err)
	}

	dev.Release(a)
	if dev.Allocated() != 0 {
		t.Errorf("Allocated() = %d after release, want 0", dev.Allocated())
	}
	if _, err := dev.AllocUint32(10, ReadOnly); err != nil {
		t.Errorf("allocation after release error = %v", err)
	}
}

func TestCPUForeignBuffer(t *testing.T) {
	a := NewCPUDevice(1, 0)
	b := NewCPUDevice(1, 0)
	defer a.Close()
	defer b.Close()

	buf, err := a.AllocFloat32(4, ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteFloat32(buf, make([]float32, 4), true, nil); !errors.Is(err, ErrBufferMismatch) {
		t.Errorf("cross-device write error = %v, want ErrBufferMismatch", err)
	}
	if _, err := a.WriteFloat32(buf, make([]float32, 3), true, nil); err == nil {
		t.Error("expected length mismatch error")
	}
}

// deviceWorld uploads g to dev and returns bound kernel args.
func deviceWorld(t *testing.T, dev Device, g *grid.Grid, stateAccess, nextAccess Access) KernelArgs {
	t.Helper()
	n := g.Cells()
	state, err := dev.AllocFloat32(n, stateAccess)
	if err != nil {
		t.Fatal(err)
	}
	props, err := dev.AllocUint32(n, ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	next, err := dev.AllocFloat32(n, nextAccess)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.WriteFloat32(state, g.State, true, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.WriteUint32(props, g.Properties, true, nil); err != nil {
		t.Fatal(err)
	}
	return KernelArgs{
		Width: g.Width, Height: g.Height,
		State: state, Properties: props, Next: next,
		Weights: stencil.NewWeights(g.Alpha, 0.1),
	}
}

func TestCPUDispatchMatchesRule(t *testing.T) {
	g := grid.Bordered(6, 5, 0.5, 1, 0)
	g.State[g.Index(2, 2)] = 0.8
	g.Properties[g.Index(3, 2)] = grid.CellInsulator

	for _, workers := range []int{1, 2, 7} {
		dev := NewCPUDevice(workers, 0)
		args := deviceWorld(t, dev, g, ReadOnly, WriteOnly)

		done, err := dev.Dispatch(KernelPlain, args, nil)
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		got := make([]float32, g.Cells())
		if _, err := dev.ReadFloat32(args.Next, got, true, []Event{done}); err != nil {
			t.Fatalf("ReadFloat32() error = %v", err)
		}

		for i := range got {
			x, y := i%g.Width, i/g.Width
			want := g.State[i]
			if x > 0 && y > 0 && x < g.Width-1 && y < g.Height-1 {
				want = stencil.UpdateCell(i, g.Width, g.State, g.Properties, args.Weights)
			}
			if got[i] != want {
				t.Errorf("workers=%d cell (%d,%d) = %v, want %v", workers, x, y, got[i], want)
			}
		}
		if err := dev.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}
}

func TestCPUDispatchAccessChecks(t *testing.T) {
	g := grid.Bordered(4, 4, 0.1, 0, 0.5)
	dev := NewCPUDevice(1, 0)
	defer dev.Close()

	args := deviceWorld(t, dev, g, WriteOnly, ReadWrite)
	if _, err := dev.Dispatch(KernelPlain, args, nil); err == nil {
		t.Error("expected error reading a write-only input")
	}

	args = deviceWorld(t, dev, g, ReadOnly, ReadOnly)
	if _, err := dev.Dispatch(KernelPlain, args, nil); err == nil {
		t.Error("expected error writing a read-only output")
	}

	args = deviceWorld(t, dev, g, ReadWrite, ReadWrite)
	args.Next = args.State
	if _, err := dev.Dispatch(KernelPlain, args, nil); err == nil {
		t.Error("expected error for aliased state and output")
	}

	args = deviceWorld(t, dev, g, ReadWrite, ReadWrite)
	if _, err := dev.Dispatch(Kernel("nope"), args, nil); err == nil {
		t.Error("expected error for unknown kernel")
	}
	args.Width = 3
	if _, err := dev.Dispatch(KernelPlain, args, nil); err == nil {
		t.Error("expected error for mismatched range")
	}
}

func TestCPUDispatchRejectsDynamicBorder(t *testing.T) {
	g := grid.Bordered(4, 4, 0.1, 0, 0.5)
	g.Properties[g.Index(0, 1)] = 0
	dev := NewCPUDevice(2, 0)
	defer dev.Close()

	args := deviceWorld(t, dev, g, ReadOnly, WriteOnly)
	ev, err := dev.Dispatch(KernelPlain, args, nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if err := ev.Wait(); err == nil || !strings.Contains(err.Error(), "border") {
		t.Errorf("Wait() error = %v, want border error", err)
	}
	if err := dev.Finish(); err == nil {
		t.Error("Finish() should report the failed dispatch")
	}
}

func TestQueueOrderingAndBarrier(t *testing.T) {
	dev := NewCPUDevice(1, 0)
	defer dev.Close()

	var order []int
	var running atomic.Int32
	record := func(i int) func() error {
		return func() error {
			if running.Add(1) != 1 {
				t.Error("commands overlapped")
			}
			order = append(order, i)
			running.Add(-1)
			return nil
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := dev.queue.enqueue(record(i), nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := dev.Barrier(); err != nil {
		t.Fatal(err)
	}
	last, err := dev.queue.enqueue(record(3), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := last.Wait(); err != nil {
		t.Fatal(err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
	if len(order) != 4 {
		t.Errorf("ran %d commands, want 4", len(order))
	}
}

func TestQueueFailedDependency(t *testing.T) {
	dev := NewCPUDevice(1, 0)

	failed, err := dev.queue.enqueue(func() error { return errors.New("boom") }, nil)
	if err != nil {
		t.Fatal(err)
	}
	ran := false
	dependent, err := dev.queue.enqueue(func() error { ran = true; return nil }, []Event{failed})
	if err != nil {
		t.Fatal(err)
	}
	if err := dependent.Wait(); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("dependent Wait() error = %v, want wrapped boom", err)
	}
	if ran {
		t.Error("dependent command ran after a failed dependency")
	}

	if err := dev.Close(); err == nil {
		t.Error("Close() should report the first failure")
	}
	if _, err := dev.queue.enqueue(func() error { return nil }, nil); err == nil {
		t.Error("enqueue after Close should fail")
	}
}

func TestAccessString(t *testing.T) {
	tests := map[Access]string{
		ReadOnly:   "read-only",
		WriteOnly:  "write-only",
		ReadWrite:  "read-write",
		Access(42): "access(42)",
	}
	for a, want := range tests {
		if got := a.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(a), got, want)
		}
	}
}
