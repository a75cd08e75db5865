package device

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/stencil"
)

// CPUBackendName is the name of the always-available backend.
const CPUBackendName = "cpu"

// DefaultCPUMaxAllocBytes caps CPU device memory when Config.MaxAllocBytes is 0.
const DefaultCPUMaxAllocBytes int64 = 2 << 30

const cpuQueueDepth = 64

func init() {
	Register(cpuBackend{})
}

// cpuBackend runs kernels as goroutine-parallel loops on the host.
type cpuBackend struct{}

func (cpuBackend) Name() string { return CPUBackendName }

func (cpuBackend) Platforms() ([]PlatformInfo, error) {
	return []PlatformInfo{{
		Index:  0,
		Name:   "Go runtime " + runtime.Version(),
		Vendor: "heatstep",
		Devices: []DeviceInfo{{
			Index:         0,
			Name:          fmt.Sprintf("cpu (%s/%s)", runtime.GOOS, runtime.GOARCH),
			ComputeUnits:  runtime.GOMAXPROCS(0),
			MaxAllocBytes: DefaultCPUMaxAllocBytes,
		}},
	}}, nil
}

// Open "builds" the program by checking it declares every entry point the
// CPU kernels implement.
func (cpuBackend) Open(cfg Config, src KernelSource) (Device, error) {
	name := fmt.Sprintf("cpu (%s/%s)", runtime.GOOS, runtime.GOARCH)
	if missing := src.missingEntryPoints(); len(missing) > 0 {
		var log strings.Builder
		fmt.Fprintf(&log, "%s:\n", src.Path)
		for _, k := range missing {
			fmt.Fprintf(&log, "  error: no __kernel function named '%s'\n", k)
		}
		return nil, &BuildError{
			Device: name,
			Log:    log.String(),
			Err:    fmt.Errorf("%d required kernel(s) missing", len(missing)),
		}
	}
	return NewCPUDevice(cfg.Workers, cfg.MaxAllocBytes), nil
}

// CPUDevice implements Device on the host. Dispatches split the grid rows
// across a bounded set of goroutines; every goroutine writes only the output
// cells of its own rows.
type CPUDevice struct {
	name     string
	workers  int
	capacity int64
	queue    *commandQueue

	mu        sync.Mutex
	allocated int64
}

// NewCPUDevice creates a CPU device. workers <= 0 selects GOMAXPROCS and
// maxAllocBytes <= 0 selects DefaultCPUMaxAllocBytes.
func NewCPUDevice(workers int, maxAllocBytes int64) *CPUDevice {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if maxAllocBytes <= 0 {
		maxAllocBytes = DefaultCPUMaxAllocBytes
	}
	return &CPUDevice{
		name:     fmt.Sprintf("cpu (%d workers)", workers),
		workers:  workers,
		capacity: maxAllocBytes,
		queue:    newCommandQueue(cpuQueueDepth),
	}
}

type cpuBuffer struct {
	f32      []float32
	u32      []uint32
	access   Access
	owner    *CPUDevice
	released bool
}

func (b *cpuBuffer) Len() int {
	if b.f32 != nil {
		return len(b.f32)
	}
	return len(b.u32)
}

func (b *cpuBuffer) Access() Access { return b.access }

func (d *CPUDevice) Name() string { return d.name }

func (d *CPUDevice) reserve(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d elements requested", ErrAllocation, n)
	}
	bytes := int64(n) * 4

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.allocated+bytes > d.capacity {
		return fmt.Errorf("%w: %d bytes requested, %d of %d bytes in use",
			ErrAllocation, bytes, d.allocated, d.capacity)
	}
	d.allocated += bytes
	return nil
}

func (d *CPUDevice) AllocFloat32(n int, access Access) (Buffer, error) {
	if err := d.reserve(n); err != nil {
		return nil, err
	}
	return &cpuBuffer{f32: make([]float32, n), access: access, owner: d}, nil
}

func (d *CPUDevice) AllocUint32(n int, access Access) (Buffer, error) {
	if err := d.reserve(n); err != nil {
		return nil, err
	}
	return &cpuBuffer{u32: make([]uint32, n), access: access, owner: d}, nil
}

func (d *CPUDevice) buffer(buf Buffer) (*cpuBuffer, error) {
	b, ok := buf.(*cpuBuffer)
	if !ok || b.owner != d {
		return nil, ErrBufferMismatch
	}
	if b.released {
		return nil, fmt.Errorf("buffer used after release")
	}
	return b, nil
}

// submit enqueues run and, for blocking commands, waits for it.
func (d *CPUDevice) submit(run func() error, blocking bool, wait []Event) (Event, error) {
	ev, err := d.queue.enqueue(run, wait)
	if err != nil {
		return nil, err
	}
	if blocking {
		if err := ev.Wait(); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func (d *CPUDevice) WriteFloat32(buf Buffer, src []float32, blocking bool, wait []Event) (Event, error) {
	b, err := d.buffer(buf)
	if err != nil {
		return nil, err
	}
	if b.f32 == nil || len(src) != len(b.f32) {
		return nil, fmt.Errorf("write of %d float32 values into a %d element buffer", len(src), b.Len())
	}
	return d.submit(func() error {
		copy(b.f32, src)
		return nil
	}, blocking, wait)
}

func (d *CPUDevice) WriteUint32(buf Buffer, src []uint32, blocking bool, wait []Event) (Event, error) {
	b, err := d.buffer(buf)
	if err != nil {
		return nil, err
	}
	if b.u32 == nil || len(src) != len(b.u32) {
		return nil, fmt.Errorf("write of %d uint32 values into a %d element buffer", len(src), b.Len())
	}
	return d.submit(func() error {
		copy(b.u32, src)
		return nil
	}, blocking, wait)
}

func (d *CPUDevice) ReadFloat32(buf Buffer, dst []float32, blocking bool, wait []Event) (Event, error) {
	b, err := d.buffer(buf)
	if err != nil {
		return nil, err
	}
	if b.f32 == nil || len(dst) != len(b.f32) {
		return nil, fmt.Errorf("read of %d float32 values from a %d element buffer", len(dst), b.Len())
	}
	return d.submit(func() error {
		copy(dst, b.f32)
		return nil
	}, blocking, wait)
}

// Dispatch runs kernel over every cell of the Width x Height range.
func (d *CPUDevice) Dispatch(kernel Kernel, args KernelArgs, wait []Event) (Event, error) {
	state, err := d.buffer(args.State)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	props, err := d.buffer(args.Properties)
	if err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	next, err := d.buffer(args.Next)
	if err != nil {
		return nil, fmt.Errorf("next: %w", err)
	}

	n := args.Width * args.Height
	switch {
	case args.Width <= 0 || args.Height <= 0:
		return nil, fmt.Errorf("dispatch range %dx%d is empty", args.Width, args.Height)
	case state.f32 == nil || len(state.f32) != n, next.f32 == nil || len(next.f32) != n, props.u32 == nil || len(props.u32) != n:
		return nil, fmt.Errorf("dispatch range %dx%d does not match bound buffers", args.Width, args.Height)
	case state == next:
		return nil, fmt.Errorf("state and next must be distinct buffers")
	case state.access == WriteOnly || props.access == WriteOnly:
		return nil, fmt.Errorf("kernel inputs must be readable")
	case next.access == ReadOnly:
		return nil, fmt.Errorf("kernel output must be writable")
	}

	var update func(i int) float32
	switch kernel {
	case KernelPlain:
		update = func(i int) float32 {
			return stencil.UpdateCell(i, args.Width, state.f32, props.u32, args.Weights)
		}
	case KernelPacked:
		update = func(i int) float32 {
			return stencil.UpdateCellPacked(i, args.Width, state.f32, props.u32, args.Weights)
		}
	default:
		return nil, fmt.Errorf("unknown kernel %q", kernel)
	}

	return d.submit(func() error {
		return d.run(args.Width, args.Height, props.u32, state.f32, next.f32, update)
	}, false, wait)
}

// run fans rows out to at most d.workers goroutines.
func (d *CPUDevice) run(width, height int, props []uint32, state, next []float32, update func(int) float32) error {
	workers := d.workers
	if workers > height {
		workers = height
	}
	rowsPer := (height + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < height; start += rowsPer {
		end := min(start+rowsPer, height)
		g.Go(func() error {
			for y := start; y < end; y++ {
				edgeRow := y == 0 || y == height-1
				for x := 0; x < width; x++ {
					i := y*width + x
					if edgeRow || x == 0 || x == width-1 {
						// Out-of-range neighbours are only safe to skip for static cells.
						if !grid.IsStatic(props[i]) {
							return fmt.Errorf("border cell (%d,%d) is neither fixed nor insulator", x, y)
						}
						next[i] = state[i]
						continue
					}
					next[i] = update(i)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *CPUDevice) Barrier() error {
	return d.queue.enqueueBarrier()
}

func (d *CPUDevice) Finish() error {
	return d.queue.finish()
}

func (d *CPUDevice) Release(buf Buffer) {
	b, err := d.buffer(buf)
	if err != nil {
		return
	}
	// Pending commands may still reference the buffer.
	_ = d.queue.finish()

	d.mu.Lock()
	d.allocated -= int64(b.Len()) * 4
	d.mu.Unlock()
	b.released = true
	b.f32, b.u32 = nil, nil
}

func (d *CPUDevice) Close() error {
	err := d.queue.finish()
	d.queue.close()
	return err
}

// Allocated returns the bytes currently held by live buffers.
func (d *CPUDevice) Allocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}
