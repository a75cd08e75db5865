package grid

import (
	"fmt"
	"math/rand"
)

// GenerateOptions controls Generate.
type GenerateOptions struct {
	Width  int
	Height int
	Alpha  float32

	// InsulatorFraction is the probability that an interior cell is an insulator.
	InsulatorFraction float64

	// SourceFraction is the probability that an interior cell is a fixed
	// heat source (1.0) or sink (0.0).
	SourceFraction float64

	// Initial is the starting temperature of every updatable cell.
	Initial float32

	// HotEdge fixes the top row at 1.0 instead of insulating it.
	HotEdge bool
}

// DefaultGenerateOptions returns options for a 64x64 world with a hot top edge.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		Width:             64,
		Height:            64,
		Alpha:             0.1,
		InsulatorFraction: 0.05,
		SourceFraction:    0.01,
		Initial:           0,
		HotEdge:           true,
	}
}

// Generate builds a valid world: an insulated (or hot-topped) border around
// a randomly populated interior.
func Generate(opts GenerateOptions, rng *rand.Rand) (*Grid, error) {
	if opts.Width < 3 || opts.Height < 3 {
		return nil, fmt.Errorf("generated worlds need at least 3x3 cells, got %dx%d", opts.Width, opts.Height)
	}
	if opts.InsulatorFraction < 0 || opts.SourceFraction < 0 || opts.InsulatorFraction+opts.SourceFraction > 1 {
		return nil, fmt.Errorf("insulator (%v) and source (%v) fractions must be non-negative and sum to at most 1",
			opts.InsulatorFraction, opts.SourceFraction)
	}

	g := New(opts.Width, opts.Height, opts.Alpha)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			i := g.Index(x, y)
			onEdge := x == 0 || y == 0 || x == g.Width-1 || y == g.Height-1

			switch {
			case onEdge && y == 0 && opts.HotEdge:
				g.Properties[i] = CellFixed
				g.State[i] = 1
			case onEdge:
				g.Properties[i] = CellInsulator
			default:
				r := rng.Float64()
				switch {
				case r < opts.InsulatorFraction:
					g.Properties[i] = CellInsulator
				case r < opts.InsulatorFraction+opts.SourceFraction:
					g.Properties[i] = CellFixed
					if rng.Intn(2) == 0 {
						g.State[i] = 1
					}
				default:
					g.State[i] = opts.Initial
				}
			}
		}
	}
	return g, nil
}
