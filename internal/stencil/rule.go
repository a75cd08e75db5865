// Package stencil implements the five-point heat diffusion update, the packed
// neighbour-insulation encoding consumed by the resident pipeline, and a
// sequential reference stepper.
package stencil

import "github.com/nvandessel/heatstep/internal/grid"

// Weights are the two scalars of the update rule.
type Weights struct {
	// Outer is the contribution of each unmasked neighbour (alpha*dt).
	Outer float32

	// Inner is the retained self-weight (1 - Outer/4).
	Inner float32
}

// NewWeights derives the update weights for diffusion coefficient alpha and step dt.
func NewWeights(alpha, dt float32) Weights {
	outer := alpha * dt
	return Weights{Outer: outer, Inner: 1 - outer/4}
}

// UpdateCell returns the next value of the cell at index.
//
// Fixed and insulator cells keep their value. Any other cell becomes the
// weighted average of itself and its non-insulator neighbours, renormalized
// by the total weight and clamped to [0, 1]. The caller guarantees that index
// is not on the grid border.
func UpdateCell(index, width int, state []float32, props []uint32, w Weights) float32 {
	self := props[index]
	if grid.IsStatic(self) {
		return state[index]
	}

	weight := w.Inner
	acc := w.Inner * state[index]

	if !grid.IsInsulator(props[index-width]) {
		weight += w.Outer
		acc += w.Outer * state[index-width]
	}
	if !grid.IsInsulator(props[index+width]) {
		weight += w.Outer
		acc += w.Outer * state[index+width]
	}
	if !grid.IsInsulator(props[index-1]) {
		weight += w.Outer
		acc += w.Outer * state[index-1]
	}
	if !grid.IsInsulator(props[index+1]) {
		weight += w.Outer
		acc += w.Outer * state[index+1]
	}

	if weight == w.Inner {
		// Fully enclosed: nothing flows in or out.
		return clamp(state[index])
	}
	return clamp(acc / weight)
}

// clamp maps v into [0, 1]. NaN maps to 0.
func clamp(v float32) float32 {
	if !(v > 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
