// Package grid defines the heat world: a rectangular grid of temperatures
// with per-cell property flags, a diffusion coefficient and a simulation clock.
package grid

import (
	"errors"
	"fmt"
)

// Cell property flags. A cell carrying either flag is never updated.
const (
	// CellFixed marks a cell whose value is held constant (boundary or heat source).
	CellFixed uint32 = 0x1

	// CellInsulator marks a cell that does not change and blocks diffusion
	// to and from its neighbours.
	CellInsulator uint32 = 0x2
)

// ErrInvalidGrid is the sentinel wrapped by every ValidationError.
var ErrInvalidGrid = errors.New("invalid grid")

// ValidationError describes a precondition violation found by Validate.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid grid: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidGrid.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidGrid
}

// Grid is a row-major heat world. Index(x, y) = y*Width + x.
type Grid struct {
	Width      int
	Height     int
	State      []float32
	Properties []uint32

	// Alpha is the diffusion coefficient, constant for the grid's lifetime.
	Alpha float32

	// Clock is the accumulated simulated time.
	Clock float32
}

// New creates a width x height grid with zeroed state and properties.
func New(width, height int, alpha float32) *Grid {
	n := 0
	if width > 0 && height > 0 {
		n = width * height
	}
	return &Grid{
		Width:      width,
		Height:     height,
		State:      make([]float32, n),
		Properties: make([]uint32, n),
		Alpha:      alpha,
	}
}

// Index returns the linear index of cell (x, y).
func (g *Grid) Index(x, y int) int {
	return y*g.Width + x
}

// Cells returns the number of cells in the grid.
func (g *Grid) Cells() int {
	return g.Width * g.Height
}

// IsStatic reports whether the cell at index is never updated.
func IsStatic(props uint32) bool {
	return props&(CellFixed|CellInsulator) != 0
}

// IsInsulator reports whether props carries the insulator flag.
func IsInsulator(props uint32) bool {
	return props&CellInsulator != 0
}

// Validate checks dimensions, array lengths and the border invariant.
//
// The stencil reads all four neighbours of every updatable cell without
// bounds checks, so every cell in row 0, row Height-1, column 0 and
// column Width-1 must be Fixed or Insulator.
func (g *Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return &ValidationError{Field: "dimensions", Reason: fmt.Sprintf("width and height must be positive, got %dx%d", g.Width, g.Height)}
	}
	n := g.Width * g.Height
	if len(g.State) != n {
		return &ValidationError{Field: "state", Reason: fmt.Sprintf("expected %d cells, got %d", n, len(g.State))}
	}
	if len(g.Properties) != n {
		return &ValidationError{Field: "properties", Reason: fmt.Sprintf("expected %d cells, got %d", n, len(g.Properties))}
	}

	for x := 0; x < g.Width; x++ {
		if err := g.checkBorder(x, 0); err != nil {
			return err
		}
		if err := g.checkBorder(x, g.Height-1); err != nil {
			return err
		}
	}
	for y := 1; y < g.Height-1; y++ {
		if err := g.checkBorder(0, y); err != nil {
			return err
		}
		if err := g.checkBorder(g.Width-1, y); err != nil {
			return err
		}
	}
	return nil
}

func (g *Grid) checkBorder(x, y int) error {
	if IsStatic(g.Properties[g.Index(x, y)]) {
		return nil
	}
	return &ValidationError{
		Field:  "border",
		Reason: fmt.Sprintf("cell (%d,%d) is on the edge but neither fixed nor insulator", x, y),
	}
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	c := *g
	c.State = append([]float32(nil), g.State...)
	c.Properties = append([]uint32(nil), g.Properties...)
	return &c
}
