// Package sampler reads feature vectors at continuous pixel coordinates.
//
// Coordinates use the align-corners convention: (0, 0) is the centre of the
// top-left pixel and (W-1, H-1) the centre of the bottom-right one. Points
// outside that range are clamped to the border, so a read never fails.
package sampler

import (
	"fmt"
	"math"

	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
)

// weights resolves the four bilinear taps for (x, y) on an h×w grid.
// ok is false when either coordinate is NaN.
func weights(x, y float64, h, w int) (i00, i01, i10, i11 int, w00, w01, w10, w11 float64, ok bool) {
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, 0, 0, 0, 0, 0, 0, 0, false
	}
	x = math.Min(math.Max(x, 0), float64(w-1))
	y = math.Min(math.Max(y, 0), float64(h-1))

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := min(x0+1, w-1)
	y1 := min(y0+1, h-1)
	fx := x - float64(x0)
	fy := y - float64(y0)

	i00 = y0*w + x0
	i01 = y0*w + x1
	i10 = y1*w + x0
	i11 = y1*w + x1
	w00 = (1 - fx) * (1 - fy)
	w01 = fx * (1 - fy)
	w10 = (1 - fx) * fy
	w11 = fx * fy
	return i00, i01, i10, i11, w00, w01, w10, w11, true
}

// Bilinear writes the C-channel vector of f at (x, y) into dst, growing it
// if needed, and returns it. NaN coordinates produce NaN channels.
func Bilinear(f tensor.Frame, x, y float64, dst []float64) []float64 {
	if cap(dst) < f.C {
		dst = make([]float64, f.C)
	}
	dst = dst[:f.C]

	i00, i01, i10, i11, w00, w01, w10, w11, ok := weights(x, y, f.H, f.W)
	if !ok {
		for c := range dst {
			dst[c] = math.NaN()
		}
		return dst
	}
	for c := range dst {
		p := f.Plane(c)
		dst[c] = w00*p[i00] + w01*p[i01] + w10*p[i10] + w11*p[i11]
	}
	return dst
}

// Scalar reads a single (h, w) plane at (x, y) with the same policy as Bilinear.
func Scalar(plane []float64, h, w int, x, y float64) float64 {
	i00, i01, i10, i11, w00, w01, w10, w11, ok := weights(x, y, h, w)
	if !ok {
		return math.NaN()
	}
	return w00*plane[i00] + w01*plane[i01] + w10*plane[i10] + w11*plane[i11]
}

// At reads frame s of batch b at (x, y).
func At(m *tensor.Maps, b, s int, x, y float64, dst []float64) []float64 {
	return Bilinear(m.Frame(b, s), x, y, dst)
}

// Points samples frame `frame` of every batch at the coordinates that
// coords holds for that same frame. The result is (B, 1, N, C).
func Points(m *tensor.Maps, frame int, coords *tensor.Coords) (*tensor.Feats, error) {
	if coords.B != m.B {
		return nil, fmt.Errorf("%w: coords batch %d, maps batch %d", tensor.ErrShape, coords.B, m.B)
	}
	if frame < 0 || frame >= m.S || frame >= coords.S {
		return nil, fmt.Errorf("%w: frame %d outside maps (%d) or coords (%d)", tensor.ErrShape, frame, m.S, coords.S)
	}
	out := tensor.NewFeats(m.B, 1, coords.N, m.C)
	for b := 0; b < m.B; b++ {
		f := m.Frame(b, frame)
		for n := 0; n < coords.N; n++ {
			x, y := coords.XY(b, frame, n)
			Bilinear(f, x, y, out.Vec(b, 0, n))
		}
	}
	return out, nil
}
