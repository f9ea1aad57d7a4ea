package update

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/trackrefine/internal/pointtrack/nn"
	"gonum.org/v1/gonum/mat"
)

// Affine applies one affine map to every token independently. It has no
// attention and serves as a baseline and as a deterministic stand-in when
// no exported network is available.
type Affine struct {
	spec  Spec
	layer *nn.Linear
}

// NewAffine wraps layer, which must map spec.InputDim to spec.OutputDim.
func NewAffine(layer *nn.Linear, spec Spec) (*Affine, error) {
	in, out := layer.Dims()
	if in != spec.InputDim || out != spec.OutputDim {
		return nil, fmt.Errorf("affine layer is %d→%d, spec wants %d→%d", in, out, spec.InputDim, spec.OutputDim)
	}
	return &Affine{spec: spec, layer: layer}, nil
}

// LoadAffine reads an affine layer from a JSON file with "weight" and
// optional "bias" keys.
func LoadAffine(path string, spec Spec) (*Affine, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("affine params must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read affine params: %w", err)
	}
	var lf nn.LinearFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("failed to parse affine params: %w", err)
	}
	layer, err := nn.NewLinear(lf.Weight, lf.Bias)
	if err != nil {
		return nil, err
	}
	return NewAffine(layer, spec)
}

// Spec implements Specced.
func (a *Affine) Spec() Spec { return a.spec }

// Update implements Func.
func (a *Affine) Update(ctx context.Context, x *Grid) (*Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if x.D != a.spec.InputDim {
		return nil, fmt.Errorf("affine update got %d channels, want %d", x.D, a.spec.InputDim)
	}
	rows := x.B * x.N * x.S
	y := a.layer.Forward(mat.NewDense(rows, x.D, x.Data))
	return &Grid{B: x.B, N: x.N, S: x.S, D: a.spec.OutputDim, Data: y.RawMatrix().Data}, nil
}
