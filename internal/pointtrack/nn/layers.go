// Package nn holds the small learned layers the refinement loop applies
// itself: the affine feature updater, its group normalisation, and the
// visibility head. Weights are read-only after construction, so one set of
// layers can serve concurrent callers.
package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultNormEps matches the usual group-norm epsilon.
const DefaultNormEps = 1e-5

// Linear computes x·Wᵀ + b row by row.
type Linear struct {
	W *mat.Dense // Out × In
	B []float64  // Out
}

// NewLinear builds a layer from row-major weights (one row per output).
func NewLinear(weight [][]float64, bias []float64) (*Linear, error) {
	if len(weight) == 0 || len(weight[0]) == 0 {
		return nil, fmt.Errorf("linear weight must be non-empty")
	}
	out, in := len(weight), len(weight[0])
	data := make([]float64, 0, out*in)
	for i, row := range weight {
		if len(row) != in {
			return nil, fmt.Errorf("linear weight row %d has %d columns, want %d", i, len(row), in)
		}
		data = append(data, row...)
	}
	if bias == nil {
		bias = make([]float64, out)
	}
	if len(bias) != out {
		return nil, fmt.Errorf("linear bias has %d values, want %d", len(bias), out)
	}
	return &Linear{W: mat.NewDense(out, in, data), B: append([]float64(nil), bias...)}, nil
}

// Dims returns (in, out).
func (l *Linear) Dims() (in, out int) {
	out, in = l.W.Dims()
	return in, out
}

// Forward applies the layer to every row of x.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	_, out := l.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.W.T())
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), l.B)
	}
	return y
}

// GroupNorm is a single-group normalisation: every row is normalised over
// all of its channels, then scaled and shifted per channel.
type GroupNorm struct {
	Weight []float64
	Bias   []float64
	Eps    float64
}

// NewGroupNorm returns an identity-affine norm over dim channels.
func NewGroupNorm(dim int) *GroupNorm {
	w := make([]float64, dim)
	for i := range w {
		w[i] = 1
	}
	return &GroupNorm{Weight: w, Bias: make([]float64, dim), Eps: DefaultNormEps}
}

// Forward returns the normalised copy of x.
func (g *GroupNorm) Forward(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	y := mat.DenseCopyOf(x)
	for i := 0; i < rows; i++ {
		row := y.RawRowView(i)
		mean, variance := stat.PopMeanVariance(row, nil)
		inv := 1 / math.Sqrt(variance+g.Eps)
		for c := 0; c < cols; c++ {
			row[c] = (row[c]-mean)*inv*g.Weight[c] + g.Bias[c]
		}
	}
	return y
}

// GELU is the exact (erf) Gaussian error linear unit.
func GELU(v float64) float64 {
	return 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
}

// ApplyGELU applies GELU to every element of x in place.
func ApplyGELU(x *mat.Dense) {
	x.Apply(func(_, _ int, v float64) float64 { return GELU(v) }, x)
}

var sigmoidMax = math.Nextafter(1, 0)

// Sigmoid is the logistic function restricted to the open interval (0, 1).
// Saturated inputs map to the nearest representable interior value; NaN
// passes through.
func Sigmoid(v float64) float64 {
	p := 1 / (1 + math.Exp(-v))
	switch {
	case p >= 1:
		return sigmoidMax
	case p <= 0:
		return math.SmallestNonzeroFloat64
	}
	return p
}
