package stencil

import "github.com/nvandessel/heatstep/internal/grid"

// Neighbour-insulation bits OR'ed into a packed property record.
const (
	NeighborAboveInsulated uint32 = 0x4
	NeighborBelowInsulated uint32 = 0x8
	NeighborLeftInsulated  uint32 = 0x10
	NeighborRightInsulated uint32 = 0x20
)

// Pack returns a copy of props in which every updatable cell also records
// which of its four neighbours are insulators. Static cells keep their
// original flags only; their neighbour bits are never consulted.
func Pack(props []uint32, width, height int) []uint32 {
	packed := make([]uint32, len(props))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			p := props[i]
			packed[i] = p
			if grid.IsStatic(p) {
				continue
			}

			if grid.IsInsulator(props[i-width]) {
				packed[i] |= NeighborAboveInsulated
			}
			if grid.IsInsulator(props[i+width]) {
				packed[i] |= NeighborBelowInsulated
			}
			if grid.IsInsulator(props[i-1]) {
				packed[i] |= NeighborLeftInsulated
			}
			if grid.IsInsulator(props[i+1]) {
				packed[i] |= NeighborRightInsulated
			}
		}
	}
	return packed
}

// NeighborInsulation decodes the neighbour bits of a packed record.
func NeighborInsulation(packed uint32) (above, below, left, right bool) {
	return packed&NeighborAboveInsulated != 0,
		packed&NeighborBelowInsulated != 0,
		packed&NeighborLeftInsulated != 0,
		packed&NeighborRightInsulated != 0
}

// UpdateCellPacked is UpdateCell driven by the cell's own packed record
// instead of its neighbours' properties. The results are identical.
func UpdateCellPacked(index, width int, state []float32, packed []uint32, w Weights) float32 {
	p := packed[index]
	if grid.IsStatic(p) {
		return state[index]
	}

	weight := w.Inner
	acc := w.Inner * state[index]

	if p&NeighborAboveInsulated == 0 {
		weight += w.Outer
		acc += w.Outer * state[index-width]
	}
	if p&NeighborBelowInsulated == 0 {
		weight += w.Outer
		acc += w.Outer * state[index+width]
	}
	if p&NeighborLeftInsulated == 0 {
		weight += w.Outer
		acc += w.Outer * state[index-1]
	}
	if p&NeighborRightInsulated == 0 {
		weight += w.Outer
		acc += w.Outer * state[index+1]
	}

	if weight == w.Inner {
		// Fully enclosed: nothing flows in or out.
		return clamp(state[index])
	}
	return clamp(acc / weight)
}
