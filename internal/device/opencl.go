//go:build opencl

package device

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"
)

// OpenCLBackendName is the name the OpenCL backend registers under.
const OpenCLBackendName = "opencl"

func init() {
	Register(openCLBackend{})
}

type openCLBackend struct{}

func (openCLBackend) Name() string { return OpenCLBackendName }

func (openCLBackend) Platforms() ([]PlatformInfo, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		msg := "querying OpenCL platforms"
		if strings.Contains(err.Error(), "-1001") {
			msg += ": no ICD loader reported any platforms"
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}

	infos := make([]PlatformInfo, 0, len(platforms))
	for i, p := range platforms {
		info := PlatformInfo{Index: i, Name: p.Name(), Vendor: p.Vendor()}
		devices, err := p.GetDevices(cl.DeviceTypeAll)
		if err != nil && err != cl.ErrDeviceNotFound {
			return nil, fmt.Errorf("listing devices of platform %d: %w", i, err)
		}
		for j, d := range devices {
			info.Devices = append(info.Devices, DeviceInfo{
				Index:         j,
				Name:          d.Name(),
				ComputeUnits:  d.MaxComputeUnits(),
				MaxAllocBytes: d.MaxMemAllocSize(),
			})
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (openCLBackend) Open(cfg Config, src KernelSource) (Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("querying OpenCL platforms: %w", err)
	}
	if cfg.Platform >= len(platforms) {
		return nil, fmt.Errorf("%w: platform %d requested", ErrNoPlatform, cfg.Platform)
	}
	devices, err := platforms[cfg.Platform].GetDevices(cl.DeviceTypeAll)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	if cfg.Device >= len(devices) {
		return nil, fmt.Errorf("%w: device %d requested", ErrNoDevice, cfg.Device)
	}
	dev := devices[cfg.Device]

	d := &openCLDevice{name: dev.Name(), kernels: make(map[Kernel]*cl.Kernel)}
	if d.context, err = cl.CreateContext([]*cl.Device{dev}); err != nil {
		return nil, fmt.Errorf("creating OpenCL context: %w", err)
	}
	if d.queue, err = d.context.CreateCommandQueue(dev, 0); err != nil {
		d.Close()
		return nil, fmt.Errorf("creating OpenCL command queue: %w", err)
	}
	if d.program, err = d.context.CreateProgramWithSource([]string{src.Text}); err != nil {
		d.Close()
		return nil, fmt.Errorf("creating OpenCL program from %s: %w", src.Path, err)
	}
	if err := d.program.BuildProgram([]*cl.Device{dev}, ""); err != nil {
		d.Close()
		var buildErr cl.BuildError
		if errors.As(err, &buildErr) {
			return nil, &BuildError{Device: dev.Name(), Log: string(buildErr), Err: errors.New("compilation failed")}
		}
		return nil, &BuildError{Device: dev.Name(), Err: err}
	}
	for _, name := range Kernels {
		k, err := d.program.CreateKernel(string(name))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("creating kernel %s: %w", name, err)
		}
		d.kernels[name] = k
	}
	return d, nil
}

type openCLDevice struct {
	name    string
	context *cl.Context
	queue   *cl.CommandQueue
	program *cl.Program
	kernels map[Kernel]*cl.Kernel

	// Kernel arguments are shared state on the cl.Kernel object.
	dispatchMu sync.Mutex
}

type openCLBuffer struct {
	mem    *cl.MemObject
	n      int
	access Access
	owner  *openCLDevice
}

func (b *openCLBuffer) Len() int       { return b.n }
func (b *openCLBuffer) Access() Access { return b.access }

type openCLEvent struct {
	ev *cl.Event
}

func (e *openCLEvent) Wait() error {
	if e.ev == nil {
		return nil
	}
	return cl.WaitForEvents([]*cl.Event{e.ev})
}

func (d *openCLDevice) Name() string { return d.name }

func memFlags(a Access) cl.MemFlag {
	switch a {
	case ReadOnly:
		return cl.MemReadOnly
	case WriteOnly:
		return cl.MemWriteOnly
	default:
		return cl.MemReadWrite
	}
}

func (d *openCLDevice) alloc(n int, access Access) (Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d elements requested", ErrAllocation, n)
	}
	mem, err := d.context.CreateEmptyBuffer(memFlags(access), n*4)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %v", ErrAllocation, n*4, err)
	}
	return &openCLBuffer{mem: mem, n: n, access: access, owner: d}, nil
}

func (d *openCLDevice) AllocFloat32(n int, access Access) (Buffer, error) { return d.alloc(n, access) }
func (d *openCLDevice) AllocUint32(n int, access Access) (Buffer, error)  { return d.alloc(n, access) }

func (d *openCLDevice) buffer(buf Buffer, n int) (*openCLBuffer, error) {
	b, ok := buf.(*openCLBuffer)
	if !ok || b.owner != d {
		return nil, ErrBufferMismatch
	}
	if n >= 0 && n != b.n {
		return nil, fmt.Errorf("transfer of %d values against a %d element buffer", n, b.n)
	}
	return b, nil
}

func waitList(wait []Event) ([]*cl.Event, error) {
	if len(wait) == 0 {
		return nil, nil
	}
	out := make([]*cl.Event, 0, len(wait))
	for _, e := range wait {
		ce, ok := e.(*openCLEvent)
		if !ok {
			return nil, fmt.Errorf("wait list holds a foreign event %T", e)
		}
		if ce.ev != nil {
			out = append(out, ce.ev)
		}
	}
	return out, nil
}

func (d *openCLDevice) WriteFloat32(buf Buffer, src []float32, blocking bool, wait []Event) (Event, error) {
	b, err := d.buffer(buf, len(src))
	if err != nil {
		return nil, err
	}
	deps, err := waitList(wait)
	if err != nil {
		return nil, err
	}
	ev, err := d.queue.EnqueueWriteBufferFloat32(b.mem, blocking, 0, src, deps)
	if err != nil {
		return nil, fmt.Errorf("enqueue write: %w", err)
	}
	return &openCLEvent{ev: ev}, nil
}

func (d *openCLDevice) WriteUint32(buf Buffer, src []uint32, blocking bool, wait []Event) (Event, error) {
	b, err := d.buffer(buf, len(src))
	if err != nil {
		return nil, err
	}
	deps, err := waitList(wait)
	if err != nil {
		return nil, err
	}
	ev, err := d.queue.EnqueueWriteBuffer(b.mem, blocking, 0, len(src)*4, unsafe.Pointer(&src[0]), deps)
	if err != nil {
		return nil, fmt.Errorf("enqueue write: %w", err)
	}
	return &openCLEvent{ev: ev}, nil
}

func (d *openCLDevice) ReadFloat32(buf Buffer, dst []float32, blocking bool, wait []Event) (Event, error) {
	b, err := d.buffer(buf, len(dst))
	if err != nil {
		return nil, err
	}
	deps, err := waitList(wait)
	if err != nil {
		return nil, err
	}
	ev, err := d.queue.EnqueueReadBufferFloat32(b.mem, blocking, 0, dst, deps)
	if err != nil {
		return nil, fmt.Errorf("enqueue read: %w", err)
	}
	return &openCLEvent{ev: ev}, nil
}

func (d *openCLDevice) Dispatch(kernel Kernel, args KernelArgs, wait []Event) (Event, error) {
	k, ok := d.kernels[kernel]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", kernel)
	}
	n := args.Width * args.Height
	state, err := d.buffer(args.State, n)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	props, err := d.buffer(args.Properties, n)
	if err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	next, err := d.buffer(args.Next, n)
	if err != nil {
		return nil, fmt.Errorf("next: %w", err)
	}
	deps, err := waitList(wait)
	if err != nil {
		return nil, err
	}

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	if err := k.SetArgBuffer(0, state.mem); err != nil {
		return nil, fmt.Errorf("binding state: %w", err)
	}
	if err := k.SetArgBuffer(1, props.mem); err != nil {
		return nil, fmt.Errorf("binding properties: %w", err)
	}
	if err := k.SetArgBuffer(2, next.mem); err != nil {
		return nil, fmt.Errorf("binding output: %w", err)
	}
	if err := k.SetArgFloat32(3, args.Weights.Outer); err != nil {
		return nil, fmt.Errorf("binding outer weight: %w", err)
	}
	if err := k.SetArgFloat32(4, args.Weights.Inner); err != nil {
		return nil, fmt.Errorf("binding inner weight: %w", err)
	}
	ev, err := d.queue.EnqueueNDRangeKernel(k, nil, []int{args.Width, args.Height}, nil, deps)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", kernel, err)
	}
	return &openCLEvent{ev: ev}, nil
}

func (d *openCLDevice) Barrier() error {
	ev, err := d.queue.EnqueueBarrierWithWaitList(nil)
	if err != nil {
		return fmt.Errorf("enqueue barrier: %w", err)
	}
	if ev != nil {
		ev.Release()
	}
	return nil
}

func (d *openCLDevice) Finish() error {
	return d.queue.Finish()
}

func (d *openCLDevice) Release(buf Buffer) {
	if b, err := d.buffer(buf, -1); err == nil && b.mem != nil {
		_ = d.queue.Finish()
		b.mem.Release()
		b.mem = nil
	}
}

func (d *openCLDevice) Close() error {
	var err error
	if d.queue != nil {
		err = d.queue.Finish()
	}
	for _, k := range d.kernels {
		k.Release()
	}
	if d.program != nil {
		d.program.Release()
	}
	if d.queue != nil {
		d.queue.Release()
	}
	if d.context != nil {
		d.context.Release()
	}
	return err
}
