// Package device abstracts the parallel compute device the stencil is
// offloaded to: buffer allocation, host<->device transfers, kernel dispatch
// and ordering through events and barriers.
//
// Commands submitted to a Device execute in submission order. Each
// transfer and dispatch returns an Event; passing events in a wait list adds
// an explicit precedence edge, and Barrier forces every earlier command to
// complete before any later one starts.
package device

import (
	"errors"
	"fmt"

	"github.com/nvandessel/heatstep/internal/stencil"
)

// Environment and resource errors. Callers match them with errors.Is.
var (
	ErrNoPlatform     = errors.New("no compute platform available")
	ErrNoDevice       = errors.New("no compute device available")
	ErrUnknownBackend = errors.New("unknown device backend")
	ErrAllocation     = errors.New("device buffer allocation failed")
	ErrBufferMismatch = errors.New("buffer does not belong to this device")
)

// BuildError reports a failed program build together with the device's
// build log, which is the only diagnostic a compile failure produces.
type BuildError struct {
	Device string
	Log    string
	Err    error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("building kernel program for %s", e.Device)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Log != "" {
		msg += "\nbuild log:\n" + e.Log
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Access describes how kernels may use a buffer. Host transfers are always
// allowed.
type Access int

const (
	ReadOnly Access = iota
	WriteOnly
	ReadWrite
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("access(%d)", int(a))
	}
}

// Kernel names an entry point of the stencil program.
type Kernel string

const (
	// KernelPlain reads neighbour properties to mask insulators.
	KernelPlain Kernel = "kernel_xy"

	// KernelPacked reads only the cell's own packed property record.
	KernelPacked Kernel = "kernel_xy_packed"
)

// Kernels lists the entry points every program must provide.
var Kernels = []Kernel{KernelPlain, KernelPacked}

// Buffer is an opaque device allocation.
type Buffer interface {
	// Len is the number of 32-bit elements.
	Len() int
	Access() Access
}

// Event tracks completion of an enqueued command.
type Event interface {
	Wait() error
}

// KernelArgs binds one stencil dispatch over a Width x Height range.
type KernelArgs struct {
	Width      int
	Height     int
	State      Buffer
	Properties Buffer
	Next       Buffer
	Weights    stencil.Weights
}

// Device is a single ready-to-use compute device with one in-order queue.
type Device interface {
	Name() string

	AllocFloat32(n int, access Access) (Buffer, error)
	AllocUint32(n int, access Access) (Buffer, error)

	WriteFloat32(buf Buffer, src []float32, blocking bool, wait []Event) (Event, error)
	WriteUint32(buf Buffer, src []uint32, blocking bool, wait []Event) (Event, error)
	ReadFloat32(buf Buffer, dst []float32, blocking bool, wait []Event) (Event, error)

	Dispatch(kernel Kernel, args KernelArgs, wait []Event) (Event, error)

	// Barrier makes every command enqueued after it wait for every command
	// enqueued before it.
	Barrier() error

	// Finish blocks until the queue is empty and returns the first
	// asynchronous failure since the previous Finish, if any.
	Finish() error

	Release(buf Buffer)
	Close() error
}

// Config selects and configures a device. It is resolved once at startup.
type Config struct {
	// Backend is a registered backend name ("cpu", "opencl").
	Backend string

	// Platform and Device are indices into the backend's enumeration.
	Platform int
	Device   int

	// KernelDir, when set, is searched for the kernel program source
	// instead of the embedded copy.
	KernelDir string

	// Workers bounds the goroutines a CPU dispatch fans out to (0 = GOMAXPROCS).
	Workers int

	// MaxAllocBytes caps total buffer memory on the CPU backend (0 = default).
	MaxAllocBytes int64
}

// PlatformInfo describes one compute platform.
type PlatformInfo struct {
	Index   int          `json:"index"`
	Name    string       `json:"name"`
	Vendor  string       `json:"vendor"`
	Devices []DeviceInfo `json:"devices"`
}

// DeviceInfo describes one device within a platform.
type DeviceInfo struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	ComputeUnits  int    `json:"compute_units"`
	MaxAllocBytes int64  `json:"max_alloc_bytes"`
}
