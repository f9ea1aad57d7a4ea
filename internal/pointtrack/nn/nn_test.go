package nn

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLinearForward(t *testing.T) {
	t.Parallel()

	l, err := NewLinear([][]float64{{1, 2}, {0, -1}, {3, 0}}, []float64{0.5, 0, -1})
	require.NoError(t, err)
	in, out := l.Dims()
	assert.Equal(t, 2, in)
	assert.Equal(t, 3, out)

	x := mat.NewDense(2, 2, []float64{1, 1, 2, -1})
	y := l.Forward(x)
	assert.Equal(t, []float64{3.5, -1, 2}, y.RawRowView(0))
	assert.Equal(t, []float64{0.5, 1, 5}, y.RawRowView(1))
}

func TestNewLinearErrors(t *testing.T) {
	t.Parallel()

	_, err := NewLinear(nil, nil)
	assert.Error(t, err)
	_, err = NewLinear([][]float64{{1, 2}, {3}}, nil)
	assert.Error(t, err)
	_, err = NewLinear([][]float64{{1, 2}}, []float64{1, 2})
	assert.Error(t, err)
}

func TestGroupNorm(t *testing.T) {
	t.Parallel()

	g := NewGroupNorm(4)
	g.Eps = 0
	x := mat.NewDense(2, 4, []float64{1, 2, 3, 4, 5, 5, 5, 7})
	y := g.Forward(x)

	for i := 0; i < 2; i++ {
		row := y.RawRowView(i)
		var mean, sq float64
		for _, v := range row {
			mean += v
		}
		mean /= 4
		for _, v := range row {
			sq += (v - mean) * (v - mean)
		}
		assert.InDelta(t, 0, mean, 1e-12)
		assert.InDelta(t, 1, sq/4, 1e-12)
	}
	// input untouched
	assert.Equal(t, 1.0, x.At(0, 0))

	g.Weight = []float64{2, 2, 2, 2}
	g.Bias = []float64{1, 1, 1, 1}
	y = g.Forward(mat.NewDense(1, 4, []float64{-1, 1, -1, 1}))
	assert.InDeltaSlice(t, []float64{-1, 3, -1, 3}, y.RawRowView(0), 1e-12)
}

func TestGELU(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, GELU(0))
	assert.InDelta(t, 0.8413447460685429, GELU(1), 1e-12)
	assert.InDelta(t, -0.15865525393145707, GELU(-1), 1e-12)

	x := mat.NewDense(1, 2, []float64{0, 1})
	ApplyGELU(x)
	assert.InDelta(t, GELU(1), x.At(0, 1), 0)
}

func TestSigmoidOpenInterval(t *testing.T) {
	t.Parallel()

	for _, v := range []float64{-1e6, -800, -40, 0, 40, 800, 1e6, math.Inf(1), math.Inf(-1)} {
		p := Sigmoid(v)
		assert.Greater(t, p, 0.0, "v=%v", v)
		assert.Less(t, p, 1.0, "v=%v", v)
	}
	assert.Equal(t, 0.5, Sigmoid(0))
	assert.True(t, math.IsNaN(Sigmoid(math.NaN())))
}

func TestLoadParams(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "head.json")
	body := `{
		"norm": {"weight": [1, 1], "bias": [0, 0], "eps": 0.001},
		"feat_updater": {"weight": [[1, 0], [0, 1]], "bias": [0, 0]},
		"visibility": {"weight": [[0.5, -0.5]]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	p, err := LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 0.001, p.Norm.Eps)
	require.NoError(t, p.Check(2, true))
	assert.Error(t, p.Check(3, false))

	p.Visibility = nil
	assert.NoError(t, p.Check(2, false))
	assert.Error(t, p.Check(2, true))

	_, err = LoadParams(filepath.Join(dir, "head.yaml"))
	assert.Error(t, err)
	_, err = LoadParams(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"norm": {"weight": [1], "bias": []}}`), 0o644))
	_, err = LoadParams(bad)
	assert.Error(t, err)
}

func TestZeroParams(t *testing.T) {
	t.Parallel()

	p := ZeroParams(4, true)
	require.NoError(t, p.Check(4, true))
	y := p.FeatUpdater.Forward(mat.NewDense(1, 4, []float64{1, 2, 3, 4}))
	assert.Equal(t, []float64{0, 0, 0, 0}, y.RawRowView(0))

	assert.Nil(t, ZeroParams(4, false).Visibility)
}
