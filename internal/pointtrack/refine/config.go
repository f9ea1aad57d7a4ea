package refine

import (
	"errors"
	"fmt"

	"github.com/banshee-data/trackrefine/internal/config"
	"github.com/banshee-data/trackrefine/internal/pointtrack/corr"
	"github.com/banshee-data/trackrefine/internal/pointtrack/embed"
	"github.com/banshee-data/trackrefine/internal/pointtrack/update"
)

// ErrConfig reports a refiner that cannot be constructed as configured.
var ErrConfig = errors.New("invalid refiner configuration")

// PaddingPolicy selects how the token width is rounded.
type PaddingPolicy string

const (
	// PaddingAligned rounds the assembled token width up to a multiple of 4.
	PaddingAligned PaddingPolicy = config.PaddingAligned
	// PaddingLegacy reproduces the widths older exported update networks
	// were trained with. It still has to fit the assembled token.
	PaddingLegacy PaddingPolicy = config.PaddingLegacy
)

// DefaultIters is used when Input.Iters is zero.
const DefaultIters = 4

// Config fixes the refiner's shape for its whole lifetime.
type Config struct {
	Stride               int           // feature map stride relative to the source image
	CorrLevels           int           // correlation pyramid levels
	CorrRadius           int           // correlation window radius
	LatentDim            int           // track feature width; must equal the feature map channels
	HiddenSize           int           // update network width
	UseSpaceAttention    bool          // update network attends across tracks
	Depth                int           // update network depth
	FineMode             bool          // no visibility head
	EfficientCorrelation bool          // lazy correlation instead of the dense pyramid
	Padding              PaddingPolicy // empty means PaddingAligned
	PosCacheSize         int           // positional grids kept; 0 uses the embed default
}

// DefaultConfig returns the configuration in the canonical tuning defaults
// file (config/tuning.defaults.json).
// Panics if the file cannot be found; intended for tests and binaries
// that have already validated config availability.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Stride:               cfg.GetStride(),
		CorrLevels:           cfg.GetCorrLevels(),
		CorrRadius:           cfg.GetCorrRadius(),
		LatentDim:            cfg.GetLatentDim(),
		HiddenSize:           cfg.GetHiddenSize(),
		UseSpaceAttention:    cfg.GetUseSpaceAttention(),
		Depth:                cfg.GetDepth(),
		FineMode:             cfg.GetFineMode(),
		EfficientCorrelation: cfg.GetEfficientCorrelation(),
		Padding:              PaddingPolicy(cfg.GetPaddingPolicy()),
		PosCacheSize:         cfg.GetPosCacheSize(),
	}
}

// Strategy names the correlation strategy.
func (c Config) Strategy() corr.Strategy {
	if c.EfficientCorrelation {
		return corr.StrategyLazy
	}
	return corr.StrategyDense
}

// CorrDim is the correlation width per token.
func (c Config) CorrDim() int { return corr.Dim(c.CorrLevels, c.CorrRadius) }

// FlowDim is the per-axis flow embedding width.
func (c Config) FlowDim() int { return c.LatentDim / 2 }

// TokenWidth is the assembled width before padding:
// flow embedding + raw flow, correlation, latent feature.
func (c Config) TokenWidth() int {
	return embed.FlowWidth(c.FlowDim()) + c.CorrDim() + c.LatentDim
}

// TransformerDim is the padded token width the update function consumes.
func (c Config) TransformerDim() int {
	if c.Padding == PaddingLegacy {
		base := c.CorrDim() + 2*c.LatentDim
		if c.FineMode {
			if base%2 == 0 {
				return base + 4
			}
			return base + 5
		}
		return base + (4-base%4)%4
	}
	w := c.TokenWidth()
	return w + (4-w%4)%4
}

// UpdateSpec describes the update network this configuration drives.
func (c Config) UpdateSpec() update.Spec {
	space := 0
	if c.UseSpaceAttention {
		space = c.Depth
	}
	return update.Spec{
		InputDim:       c.TransformerDim(),
		OutputDim:      c.LatentDim + 2,
		HiddenSize:     c.HiddenSize,
		SpaceDepth:     space,
		TimeDepth:      c.Depth,
		MLPRatio:       4,
		SpaceAttention: c.UseSpaceAttention,
	}
}

// Validate rejects configurations that cannot produce a consistent token.
func (c Config) Validate() error {
	switch {
	case c.Stride <= 0:
		return fmt.Errorf("%w: stride must be positive, got %d", ErrConfig, c.Stride)
	case c.CorrLevels <= 0:
		return fmt.Errorf("%w: corr levels must be positive, got %d", ErrConfig, c.CorrLevels)
	case c.CorrRadius < 0:
		return fmt.Errorf("%w: corr radius must be non-negative, got %d", ErrConfig, c.CorrRadius)
	case c.LatentDim <= 0 || c.LatentDim%4 != 0:
		return fmt.Errorf("%w: latent dim must be a positive multiple of 4, got %d", ErrConfig, c.LatentDim)
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden size must be positive, got %d", ErrConfig, c.HiddenSize)
	case c.Depth <= 0:
		return fmt.Errorf("%w: depth must be positive, got %d", ErrConfig, c.Depth)
	case c.PosCacheSize < 0:
		return fmt.Errorf("%w: positional cache size must be non-negative, got %d", ErrConfig, c.PosCacheSize)
	}
	if c.Padding != "" && c.Padding != PaddingAligned && c.Padding != PaddingLegacy {
		return fmt.Errorf("%w: unknown padding policy %q", ErrConfig, c.Padding)
	}

	dim, need := c.TransformerDim(), c.TokenWidth()
	if dim < need {
		return fmt.Errorf("%w: padding %q gives token width %d, narrower than the %d assembled channels",
			ErrConfig, c.Padding, dim, need)
	}
	if dim%4 != 0 {
		return fmt.Errorf("%w: padding %q gives token width %d; the positional embedding needs a multiple of 4",
			ErrConfig, c.Padding, dim)
	}
	return nil
}
