package nn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// maxParamsFileSize bounds parameter files read from disk.
const maxParamsFileSize = 256 * 1024 * 1024

// LinearFile is the on-disk form of a Linear layer.
type LinearFile struct {
	Weight [][]float64 `json:"weight"`
	Bias   []float64   `json:"bias,omitempty"`
}

// NormFile is the on-disk form of a GroupNorm.
type NormFile struct {
	Weight []float64 `json:"weight"`
	Bias   []float64 `json:"bias"`
	Eps    *float64  `json:"eps,omitempty"`
}

// ParamsFile is the JSON layout of the refinement head parameters.
type ParamsFile struct {
	Norm        NormFile    `json:"norm"`
	FeatUpdater LinearFile  `json:"feat_updater"`
	Visibility  *LinearFile `json:"visibility,omitempty"`
}

// Params are the learned layers applied by the refinement loop.
// Visibility is nil for heads trained without a visibility predictor.
type Params struct {
	Norm        *GroupNorm
	FeatUpdater *Linear
	Visibility  *Linear
}

// LoadParams reads a parameter file. The path must end in .json.
func LoadParams(path string) (*Params, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("params file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat params file: %w", err)
	}
	if info.Size() > maxParamsFileSize {
		return nil, fmt.Errorf("params file too large: %d bytes (max %d)", info.Size(), maxParamsFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %w", err)
	}
	var pf ParamsFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse params JSON: %w", err)
	}
	return pf.Build()
}

// Build converts the file form into layers.
func (pf *ParamsFile) Build() (*Params, error) {
	if len(pf.Norm.Weight) == 0 || len(pf.Norm.Weight) != len(pf.Norm.Bias) {
		return nil, fmt.Errorf("norm weight/bias lengths %d/%d must match and be non-zero",
			len(pf.Norm.Weight), len(pf.Norm.Bias))
	}
	norm := &GroupNorm{
		Weight: append([]float64(nil), pf.Norm.Weight...),
		Bias:   append([]float64(nil), pf.Norm.Bias...),
		Eps:    DefaultNormEps,
	}
	if pf.Norm.Eps != nil {
		norm.Eps = *pf.Norm.Eps
	}

	upd, err := NewLinear(pf.FeatUpdater.Weight, pf.FeatUpdater.Bias)
	if err != nil {
		return nil, fmt.Errorf("feat_updater: %w", err)
	}
	p := &Params{Norm: norm, FeatUpdater: upd}
	if pf.Visibility != nil {
		if p.Visibility, err = NewLinear(pf.Visibility.Weight, pf.Visibility.Bias); err != nil {
			return nil, fmt.Errorf("visibility: %w", err)
		}
	}
	return p, nil
}

// Check verifies layer widths against the latent dimension. The visibility
// layer is only checked when withVisibility is set.
func (p *Params) Check(latent int, withVisibility bool) error {
	if p == nil || p.Norm == nil || p.FeatUpdater == nil {
		return fmt.Errorf("norm and feat_updater parameters are required")
	}
	if len(p.Norm.Weight) != latent || len(p.Norm.Bias) != latent {
		return fmt.Errorf("norm has %d channels, latent dim is %d", len(p.Norm.Weight), latent)
	}
	if in, out := p.FeatUpdater.Dims(); in != latent || out != latent {
		return fmt.Errorf("feat_updater is %d→%d, want %d→%d", in, out, latent, latent)
	}
	if !withVisibility {
		return nil
	}
	if p.Visibility == nil {
		return fmt.Errorf("visibility parameters are required")
	}
	if in, out := p.Visibility.Dims(); in != latent || out != 1 {
		return fmt.Errorf("visibility is %d→%d, want %d→1", in, out, latent)
	}
	return nil
}

// ZeroParams returns parameters whose feature update is GELU(0) = 0 and
// whose visibility logit is 0. Useful as a neutral head.
func ZeroParams(latent int, withVisibility bool) *Params {
	zero := func(out, in int) [][]float64 {
		w := make([][]float64, out)
		for i := range w {
			w[i] = make([]float64, in)
		}
		return w
	}
	upd, _ := NewLinear(zero(latent, latent), nil)
	p := &Params{Norm: NewGroupNorm(latent), FeatUpdater: upd}
	if withVisibility {
		p.Visibility, _ = NewLinear(zero(1, latent), nil)
	}
	return p
}
