package stencil

import (
	"fmt"
	"math"

	"github.com/nvandessel/heatstep/internal/grid"
)

// Reference advances g by n steps of size dt on the calling goroutine.
// It is the behaviour every pipeline variant must reproduce.
func Reference(g *grid.Grid, dt float32, n int) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("step count must be non-negative, got %d", n)
	}

	w := NewWeights(g.Alpha, dt)
	next := make([]float32, len(g.State))
	for t := 0; t < n; t++ {
		for i := range g.State {
			// Border cells are static by Validate, so they never index out of range.
			next[i] = UpdateCell(i, g.Width, g.State, g.Properties, w)
		}
		g.State, next = next, g.State
		g.Clock += dt
	}
	return nil
}

// MaxAbsDiff returns the largest absolute difference between two state arrays.
func MaxAbsDiff(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("length mismatch: %d vs %d", len(a), len(b))
	}
	var worst float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if d > worst {
			worst = d
		}
	}
	return worst, nil
}
