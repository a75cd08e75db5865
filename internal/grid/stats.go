package grid

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes the temperature distribution of the updatable cells.
type Summary struct {
	Cells     int     `json:"cells"`
	Updatable int     `json:"updatable"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
}

// Summarize computes statistics over the cells that are neither fixed nor
// insulators. A world without updatable cells reports zeros.
func (g *Grid) Summarize() Summary {
	values := make([]float64, 0, len(g.State))
	for i, v := range g.State {
		if !IsStatic(g.Properties[i]) {
			values = append(values, float64(v))
		}
	}

	s := Summary{Cells: len(g.State), Updatable: len(values)}
	if len(values) == 0 {
		return s
	}
	s.Min = floats.Min(values)
	s.Max = floats.Max(values)
	if len(values) == 1 {
		s.Mean = values[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	return s
}
