// Package embed produces the fixed sinusoidal encodings fed to the update
// function: a flow embedding of each track's displacement from its anchor,
// and a 2D positional grid sampled at the anchor.
package embed

import (
	"fmt"
	"math"

	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
)

// FlowWidth is the number of values Flow writes for a given dim.
func FlowWidth(dim int) int { return 2*dim + 2 }

// Flow writes the embedding of displacement (dx, dy) into dst and returns it.
// For k < dim/2 the frequency is 2k·1000/dim; each axis contributes
// interleaved sin/cos pairs, x first, then y, then the raw (dx, dy).
// dim must be even.
func Flow(dx, dy float64, dim int, dst []float64) []float64 {
	width := FlowWidth(dim)
	if cap(dst) < width {
		dst = make([]float64, width)
	}
	dst = dst[:width]

	step := 1000.0 / float64(dim)
	for k := 0; k < dim/2; k++ {
		freq := float64(2*k) * step
		dst[2*k] = math.Sin(dx * freq)
		dst[2*k+1] = math.Cos(dx * freq)
		dst[dim+2*k] = math.Sin(dy * freq)
		dst[dim+2*k+1] = math.Cos(dy * freq)
	}
	dst[2*dim] = dx
	dst[2*dim+1] = dy
	return dst
}

// SinCosGrid returns a (1, 1, dim, h, w) positional grid. The first dim/2
// channels encode the column and the last dim/2 the row; within each half
// the first quarter of channels are sines and the second quarter cosines of
// pos·10000^(-k/(dim/4)).
func SinCosGrid(dim, h, w int) (*tensor.Maps, error) {
	if dim <= 0 || dim%4 != 0 {
		return nil, fmt.Errorf("positional embedding width must be a positive multiple of 4, got %d", dim)
	}
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("positional grid must be non-empty, got %dx%d", h, w)
	}

	quarter := dim / 4
	omega := make([]float64, quarter)
	for k := range omega {
		omega[k] = 1 / math.Pow(10000, float64(k)/float64(quarter))
	}

	g := tensor.NewMaps(1, 1, dim, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for k, om := range omega {
				g.Set(0, 0, k, y, x, math.Sin(float64(x)*om))
				g.Set(0, 0, quarter+k, y, x, math.Cos(float64(x)*om))
				g.Set(0, 0, 2*quarter+k, y, x, math.Sin(float64(y)*om))
				g.Set(0, 0, 3*quarter+k, y, x, math.Cos(float64(y)*om))
			}
		}
	}
	return g, nil
}
