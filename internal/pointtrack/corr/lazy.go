package corr

import (
	"context"

	"github.com/banshee-data/trackrefine/internal/pointtrack/sampler"
	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
	"gonum.org/v1/gonum/floats"
)

// Lazy correlates only at the window points around each coordinate. It
// keeps the pooled feature pyramid but never materialises correlation maps.
type Lazy struct {
	*pyramid
}

// NewLazy builds the average-pooled pyramid for maps.
func NewLazy(maps *tensor.Maps, levels, radius int) (Engine, error) {
	p, err := newPyramid(maps, levels, radius)
	if err != nil {
		return nil, err
	}
	return &Lazy{pyramid: p}, nil
}

// Sample implements Engine.
func (e *Lazy) Sample(ctx context.Context, coords *tensor.Coords, feats *tensor.Feats) (*tensor.Feats, error) {
	if err := e.check(coords, feats); err != nil {
		return nil, err
	}
	out := tensor.NewFeats(coords.B, coords.S, coords.N, e.Dim())
	side := e.side()
	window := side * side

	err := e.eachFrame(ctx, func(b, s int) error {
		buf := make([]float64, e.levels[0].C)
		for l, lvl := range e.levels {
			f := lvl.Frame(b, s)
			div := float64(int(1) << l)
			for n := 0; n < coords.N; n++ {
				x, y := coords.XY(b, s, n)
				cx, cy := x/div, y/div
				vec := feats.Vec(b, s, n)
				dst := out.Vec(b, s, n)[l*window : (l+1)*window]
				for i := 0; i < side; i++ {
					for j := 0; j < side; j++ {
						buf = sampler.Bilinear(f, cx+float64(i-e.radius), cy+float64(j-e.radius), buf)
						dst[i*side+j] = floats.Dot(buf, vec) * e.scale
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
