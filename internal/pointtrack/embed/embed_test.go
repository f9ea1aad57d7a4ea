package embed

import (
	"math"
	"sync"
	"testing"

	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowZeroDisplacement(t *testing.T) {
	t.Parallel()

	const dim = 8
	got := Flow(0, 0, dim, nil)
	require.Len(t, got, FlowWidth(dim))
	for k := 0; k < dim; k += 2 {
		assert.Equal(t, 0.0, got[k], "sin x %d", k)
		assert.Equal(t, 1.0, got[k+1], "cos x %d", k)
		assert.Equal(t, 0.0, got[dim+k], "sin y %d", k)
		assert.Equal(t, 1.0, got[dim+k+1], "cos y %d", k)
	}
	assert.Equal(t, []float64{0, 0}, got[2*dim:])
}

func TestFlowFrequencies(t *testing.T) {
	t.Parallel()

	const dim = 4
	got := Flow(0.01, -0.02, dim, make([]float64, 0, 16))
	// k=1 frequency is 2*1000/4 = 500.
	assert.InDelta(t, 0.0, got[0], 1e-15)
	assert.InDelta(t, math.Sin(5), got[2], 1e-12)
	assert.InDelta(t, math.Cos(5), got[3], 1e-12)
	assert.InDelta(t, math.Sin(-10), got[dim+2], 1e-12)
	assert.InDelta(t, math.Cos(-10), got[dim+3], 1e-12)
	assert.Equal(t, 0.01, got[2*dim])
	assert.Equal(t, -0.02, got[2*dim+1])
}

func TestSinCosGrid(t *testing.T) {
	t.Parallel()

	g, err := SinCosGrid(8, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, [5]int{1, 1, 8, 3, 5}, g.Shape())

	// omega = {1, 1/100} for dim 8.
	assert.InDelta(t, math.Sin(4), g.At(0, 0, 0, 2, 4), 1e-12)
	assert.InDelta(t, math.Sin(0.04), g.At(0, 0, 1, 2, 4), 1e-12)
	assert.InDelta(t, math.Cos(4), g.At(0, 0, 2, 2, 4), 1e-12)
	assert.InDelta(t, math.Sin(2), g.At(0, 0, 4, 2, 4), 1e-12)
	assert.InDelta(t, math.Cos(0.02), g.At(0, 0, 7, 2, 4), 1e-12)

	_, err = SinCosGrid(6, 3, 3)
	assert.Error(t, err)
	_, err = SinCosGrid(8, 0, 3)
	assert.Error(t, err)
}

func TestPositionalCachesGrids(t *testing.T) {
	t.Parallel()

	p, err := NewPositional(0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Grid(12, 4, 4)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := p.Grid(12, 4, 4)
	require.NoError(t, err)
	b, err := p.Grid(12, 4, 4)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = p.Grid(10, 4, 4)
	assert.Error(t, err)
}

func TestSampleGridAtIntegerPoint(t *testing.T) {
	t.Parallel()

	g, err := SinCosGrid(4, 4, 4)
	require.NoError(t, err)

	coords := tensor.NewCoords(1, 2, 1)
	coords.SetXY(0, 0, 0, 3, 1)
	coords.SetXY(0, 1, 0, 0, 0) // other frames are ignored

	got := SampleGrid(g, coords, 0)
	assert.Equal(t, 4, got.D)
	assert.InDelta(t, math.Sin(3), got.Vec(0, 0, 0)[0], 1e-12)
	assert.InDelta(t, math.Cos(1), got.Vec(0, 0, 0)[3], 1e-12)
}
