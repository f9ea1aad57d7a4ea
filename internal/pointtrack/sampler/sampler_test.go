package sampler

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rampMaps returns a (1, 1, 2, 3, 4) map where channel 0 equals x and
// channel 1 equals 10*y.
func rampMaps() *tensor.Maps {
	m := tensor.NewMaps(1, 1, 2, 3, 4)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			m.Set(0, 0, 0, y, x, float64(x))
			m.Set(0, 0, 1, y, x, 10*float64(y))
		}
	}
	return m
}

func TestBilinear(t *testing.T) {
	t.Parallel()

	m := rampMaps()
	f := m.Frame(0, 0)

	tests := []struct {
		name   string
		x, y   float64
		cx, cy float64
	}{
		{"integer pixel", 2, 1, 2, 10},
		{"between pixels", 1.25, 0.5, 1.25, 5},
		{"clamped left/top", -3, -7, 0, 0},
		{"clamped right/bottom", 10, 5, 3, 20},
		{"positive infinity", math.Inf(1), 1, 3, 10},
		{"negative infinity", 1, math.Inf(-1), 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := Bilinear(f, tt.x, tt.y, nil)
			require.Len(t, v, 2)
			assert.InDelta(t, tt.cx, v[0], 1e-12)
			assert.InDelta(t, tt.cy, v[1], 1e-12)
		})
	}
}

func TestBilinearNaN(t *testing.T) {
	t.Parallel()

	v := Bilinear(rampMaps().Frame(0, 0), math.NaN(), 1, make([]float64, 0, 8))
	require.Len(t, v, 2)
	assert.True(t, math.IsNaN(v[0]))
	assert.True(t, math.IsNaN(v[1]))
	assert.True(t, math.IsNaN(Scalar(make([]float64, 4), 2, 2, 0, math.NaN())))
}

func TestScalarMatchesBilinear(t *testing.T) {
	t.Parallel()

	m := rampMaps()
	f := m.Frame(0, 0)
	for _, p := range [][2]float64{{0.3, 1.7}, {2.9, 0.1}, {-1, 4}} {
		v := Bilinear(f, p[0], p[1], nil)
		assert.InDelta(t, v[0], Scalar(f.Plane(0), f.H, f.W, p[0], p[1]), 1e-12)
		assert.InDelta(t, v[1], Scalar(f.Plane(1), f.H, f.W, p[0], p[1]), 1e-12)
	}
}

func TestSinglePixelMap(t *testing.T) {
	t.Parallel()

	m := tensor.NewMaps(1, 1, 1, 1, 1)
	m.Data[0] = 4
	assert.Equal(t, 4.0, Bilinear(m.Frame(0, 0), 0.6, -2, nil)[0])
}

func TestPoints(t *testing.T) {
	t.Parallel()

	m := rampMaps()
	coords := tensor.NewCoords(1, 1, 2)
	coords.SetXY(0, 0, 0, 1, 1)
	coords.SetXY(0, 0, 1, 2.5, 2)

	got, err := Points(m, 0, coords)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 10}, got.Vec(0, 0, 0))
	assert.Equal(t, []float64{2.5, 20}, got.Vec(0, 0, 1))

	_, err = Points(m, 3, coords)
	assert.True(t, errors.Is(err, tensor.ErrShape))

	_, err = Points(m, 0, tensor.NewCoords(2, 1, 1))
	assert.True(t, errors.Is(err, tensor.ErrShape))
}
