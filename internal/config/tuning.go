package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Padding policy names accepted by padding_policy.
const (
	PaddingAligned = "aligned"
	PaddingLegacy  = "legacy"
)

// TuningConfig represents the root configuration for the track refiner.
// Fields omitted from a JSON file stay nil and fall back to the defaults
// returned by the Get* accessors.
type TuningConfig struct {
	// Feature geometry
	Stride *int `json:"stride,omitempty"`

	// Correlation pyramid
	CorrLevels           *int  `json:"corr_levels,omitempty"`
	CorrRadius           *int  `json:"corr_radius,omitempty"`
	EfficientCorrelation *bool `json:"efficient_correlation,omitempty"`

	// Update network shape
	LatentDim         *int    `json:"latent_dim,omitempty"`
	HiddenSize        *int    `json:"hidden_size,omitempty"`
	UseSpaceAttention *bool   `json:"use_space_attention,omitempty"`
	Depth             *int    `json:"depth,omitempty"`
	FineMode          *bool   `json:"fine_mode,omitempty"`
	PaddingPolicy     *string `json:"padding_policy,omitempty"` // "aligned" or "legacy"

	// Per-call defaults
	Iters     *int     `json:"iters,omitempty"`
	DownRatio *float64 `json:"down_ratio,omitempty"`

	// Positional grid cache entries
	PosCacheSize *int `json:"pos_cache_size,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/pointtrack/refine/
		"../../../../" + DefaultConfigPath,    // deeper packages
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set. Cross-field consistency of the
// network widths is checked by the refiner when it is constructed.
func (c *TuningConfig) Validate() error {
	positive := []struct {
		name string
		v    *int
	}{
		{"stride", c.Stride},
		{"corr_levels", c.CorrLevels},
		{"latent_dim", c.LatentDim},
		{"hidden_size", c.HiddenSize},
		{"depth", c.Depth},
		{"iters", c.Iters},
	}
	for _, p := range positive {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, *p.v)
		}
	}

	if c.CorrRadius != nil && *c.CorrRadius < 0 {
		return fmt.Errorf("corr_radius must be non-negative, got %d", *c.CorrRadius)
	}
	if c.LatentDim != nil && *c.LatentDim%4 != 0 {
		return fmt.Errorf("latent_dim must be a multiple of 4, got %d", *c.LatentDim)
	}
	if c.DownRatio != nil && *c.DownRatio < 1 {
		return fmt.Errorf("down_ratio must be at least 1, got %f", *c.DownRatio)
	}
	if c.PaddingPolicy != nil {
		switch *c.PaddingPolicy {
		case PaddingAligned, PaddingLegacy:
		default:
			return fmt.Errorf("padding_policy must be %q or %q, got %q", PaddingAligned, PaddingLegacy, *c.PaddingPolicy)
		}
	}
	if c.PosCacheSize != nil && *c.PosCacheSize < 0 {
		return fmt.Errorf("pos_cache_size must be non-negative, got %d", *c.PosCacheSize)
	}

	return nil
}

// GetStride returns the stride value or the default.
func (c *TuningConfig) GetStride() int {
	if c.Stride == nil {
		return 4
	}
	return *c.Stride
}

// GetCorrLevels returns the corr_levels value or the default.
func (c *TuningConfig) GetCorrLevels() int {
	if c.CorrLevels == nil {
		return 5
	}
	return *c.CorrLevels
}

// GetCorrRadius returns the corr_radius value or the default.
func (c *TuningConfig) GetCorrRadius() int {
	if c.CorrRadius == nil {
		return 4
	}
	return *c.CorrRadius
}

// GetEfficientCorrelation returns the efficient_correlation value or the default.
func (c *TuningConfig) GetEfficientCorrelation() bool {
	if c.EfficientCorrelation == nil {
		return false // default: dense pyramid
	}
	return *c.EfficientCorrelation
}

// GetLatentDim returns the latent_dim value or the default.
func (c *TuningConfig) GetLatentDim() int {
	if c.LatentDim == nil {
		return 128
	}
	return *c.LatentDim
}

// GetHiddenSize returns the hidden_size value or the default.
func (c *TuningConfig) GetHiddenSize() int {
	if c.HiddenSize == nil {
		return 384
	}
	return *c.HiddenSize
}

// GetUseSpaceAttention returns the use_space_attention value or the default.
func (c *TuningConfig) GetUseSpaceAttention() bool {
	if c.UseSpaceAttention == nil {
		return true
	}
	return *c.UseSpaceAttention
}

// GetDepth returns the depth value or the default.
func (c *TuningConfig) GetDepth() int {
	if c.Depth == nil {
		return 6
	}
	return *c.Depth
}

// GetFineMode returns the fine_mode value or the default.
func (c *TuningConfig) GetFineMode() bool {
	if c.FineMode == nil {
		return false
	}
	return *c.FineMode
}

// GetPaddingPolicy returns the padding_policy value or the default.
func (c *TuningConfig) GetPaddingPolicy() string {
	if c.PaddingPolicy == nil || *c.PaddingPolicy == "" {
		return PaddingAligned
	}
	return *c.PaddingPolicy
}

// GetIters returns the iters value or the default.
func (c *TuningConfig) GetIters() int {
	if c.Iters == nil {
		return 4
	}
	return *c.Iters
}

// GetDownRatio returns the down_ratio value or the default.
func (c *TuningConfig) GetDownRatio() float64 {
	if c.DownRatio == nil {
		return 1
	}
	return *c.DownRatio
}

// GetPosCacheSize returns the pos_cache_size value or the default.
func (c *TuningConfig) GetPosCacheSize() int {
	if c.PosCacheSize == nil || *c.PosCacheSize == 0 {
		return 16
	}
	return *c.PosCacheSize
}
