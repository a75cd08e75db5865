package watch

import (
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/stepper"
)

// DefaultMaxSide bounds the side of the state preview carried in a frame.
const DefaultMaxSide = 64

// Frame is the JSON message sent to watchers after each batch.
type Frame struct {
	Batch     int     `json:"batch"`
	Batches   int     `json:"batches"`
	StepsDone int     `json:"steps_done"`
	Steps     int     `json:"steps"`
	Clock     float32 `json:"clock"`

	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Summary grid.Summary `json:"summary"`

	// Preview is the state averaged down to at most maxSide cells per side.
	PreviewWidth  int       `json:"preview_width,omitempty"`
	PreviewHeight int       `json:"preview_height,omitempty"`
	Preview       []float32 `json:"preview,omitempty"`
}

// NewFrame builds the frame for a completed batch. maxSide <= 0 omits the
// preview.
func NewFrame(info stepper.BatchInfo, g *grid.Grid, maxSide int) Frame {
	f := Frame{
		Batch:     info.Batch,
		Batches:   info.Batches,
		StepsDone: info.StepsDone,
		Steps:     info.Steps,
		Clock:     g.Clock,
		Width:     g.Width,
		Height:    g.Height,
		Summary:   g.Summarize(),
	}
	if maxSide > 0 {
		f.PreviewWidth, f.PreviewHeight, f.Preview = Downsample(g, maxSide)
	}
	return f
}

// Downsample averages square blocks of g so neither side exceeds maxSide.
func Downsample(g *grid.Grid, maxSide int) (w, h int, out []float32) {
	factor := 1
	for (g.Width+factor-1)/factor > maxSide || (g.Height+factor-1)/factor > maxSide {
		factor++
	}
	w = (g.Width + factor - 1) / factor
	h = (g.Height + factor - 1) / factor
	out = make([]float32, w*h)

	for by := 0; by < h; by++ {
		for bx := 0; bx < w; bx++ {
			var sum float32
			n := 0
			for y := by * factor; y < min((by+1)*factor, g.Height); y++ {
				for x := bx * factor; x < min((bx+1)*factor, g.Width); x++ {
					sum += g.State[g.Index(x, y)]
					n++
				}
			}
			out[by*w+bx] = sum / float32(n)
		}
	}
	return w, h, out
}
