package corr

import (
	"context"

	"github.com/banshee-data/trackrefine/internal/pointtrack/sampler"
	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
	"gonum.org/v1/gonum/floats"
)

// Dense correlates every track against every pyramid location, then reads
// the window from the resulting correlation maps.
type Dense struct {
	*pyramid
}

// NewDense builds the average-pooled pyramid for maps.
func NewDense(maps *tensor.Maps, levels, radius int) (Engine, error) {
	p, err := newPyramid(maps, levels, radius)
	if err != nil {
		return nil, err
	}
	return &Dense{pyramid: p}, nil
}

// Sample implements Engine.
func (d *Dense) Sample(ctx context.Context, coords *tensor.Coords, feats *tensor.Feats) (*tensor.Feats, error) {
	if err := d.check(coords, feats); err != nil {
		return nil, err
	}
	out := tensor.NewFeats(coords.B, coords.S, coords.N, d.Dim())
	side := d.side()
	window := side * side

	err := d.eachFrame(ctx, func(b, s int) error {
		for l, lvl := range d.levels {
			f := lvl.Frame(b, s)
			div := float64(int(1) << l)
			corrs := d.correlate(f, feats, b, s)
			for n := 0; n < coords.N; n++ {
				x, y := coords.XY(b, s, n)
				cx, cy := x/div, y/div
				dst := out.Vec(b, s, n)[l*window : (l+1)*window]
				plane := corrs[n]
				for i := 0; i < side; i++ {
					for j := 0; j < side; j++ {
						dst[i*side+j] = sampler.Scalar(plane, f.H, f.W,
							cx+float64(i-d.radius), cy+float64(j-d.radius))
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// correlate returns one (H, W) correlation map per track for frame f.
func (d *Dense) correlate(f tensor.Frame, feats *tensor.Feats, b, s int) [][]float64 {
	maps := make([][]float64, feats.N)
	for n := range maps {
		m := make([]float64, f.H*f.W)
		vec := feats.Vec(b, s, n)
		for c := 0; c < f.C; c++ {
			floats.AddScaled(m, vec[c], f.Plane(c))
		}
		floats.Scale(d.scale, m)
		maps[n] = m
	}
	return maps
}
