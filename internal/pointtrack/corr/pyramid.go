package corr

import (
	"fmt"

	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
)

// pool halves every frame with a 2×2, stride-2 average. Sizes use floor
// division but never fall below 1; a 1-pixel axis averages what it has.
func pool(m *tensor.Maps) *tensor.Maps {
	h := max(m.H/2, 1)
	w := max(m.W/2, 1)
	out := tensor.NewMaps(m.B, m.S, m.C, h, w)

	for b := 0; b < m.B; b++ {
		for s := 0; s < m.S; s++ {
			src := m.Frame(b, s)
			dst := out.Frame(b, s)
			for c := 0; c < m.C; c++ {
				in := src.Plane(c)
				o := dst.Plane(c)
				for y := 0; y < h; y++ {
					y0, y1 := 2*y, min(2*y+2, m.H)
					for x := 0; x < w; x++ {
						x0, x1 := 2*x, min(2*x+2, m.W)
						var sum float64
						for yy := y0; yy < y1; yy++ {
							for xx := x0; xx < x1; xx++ {
								sum += in[yy*m.W+xx]
							}
						}
						o[y*w+x] = sum / float64((y1-y0)*(x1-x0))
					}
				}
			}
		}
	}
	return out
}

// Pyramid returns levels feature volumes; level 0 is m itself.
func Pyramid(m *tensor.Maps, levels int) ([]*tensor.Maps, error) {
	if levels <= 0 {
		return nil, fmt.Errorf("pyramid needs at least one level, got %d", levels)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := make([]*tensor.Maps, 0, levels)
	out = append(out, m)
	for i := 1; i < levels; i++ {
		out = append(out, pool(out[i-1]))
	}
	return out, nil
}
