package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

func TestEmptyTuningConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if got := cfg.GetStride(); got != 4 {
		t.Errorf("GetStride() = %d, want 4", got)
	}
	if got := cfg.GetCorrLevels(); got != 5 {
		t.Errorf("GetCorrLevels() = %d, want 5", got)
	}
	if got := cfg.GetCorrRadius(); got != 4 {
		t.Errorf("GetCorrRadius() = %d, want 4", got)
	}
	if got := cfg.GetLatentDim(); got != 128 {
		t.Errorf("GetLatentDim() = %d, want 128", got)
	}
	if got := cfg.GetHiddenSize(); got != 384 {
		t.Errorf("GetHiddenSize() = %d, want 384", got)
	}
	if !cfg.GetUseSpaceAttention() {
		t.Error("GetUseSpaceAttention() = false, want true")
	}
	if got := cfg.GetDepth(); got != 6 {
		t.Errorf("GetDepth() = %d, want 6", got)
	}
	if cfg.GetFineMode() || cfg.GetEfficientCorrelation() {
		t.Error("fine mode and efficient correlation should default to false")
	}
	if got := cfg.GetPaddingPolicy(); got != PaddingAligned {
		t.Errorf("GetPaddingPolicy() = %q, want %q", got, PaddingAligned)
	}
	if got := cfg.GetIters(); got != 4 {
		t.Errorf("GetIters() = %d, want 4", got)
	}
	if got := cfg.GetDownRatio(); got != 1 {
		t.Errorf("GetDownRatio() = %f, want 1", got)
	}
	if got := cfg.GetPosCacheSize(); got != 16 {
		t.Errorf("GetPosCacheSize() = %d, want 16", got)
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "stride": 8,
  "corr_levels": 3,
  "efficient_correlation": true,
  "fine_mode": true,
  "padding_policy": "legacy",
  "down_ratio": 2.5
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("LoadTuningConfig failed: %v", err)
	}

	if cfg.GetStride() != 8 {
		t.Errorf("GetStride() = %d, want 8", cfg.GetStride())
	}
	if cfg.GetCorrLevels() != 3 {
		t.Errorf("GetCorrLevels() = %d, want 3", cfg.GetCorrLevels())
	}
	if !cfg.GetEfficientCorrelation() || !cfg.GetFineMode() {
		t.Error("efficient_correlation and fine_mode should be true")
	}
	if cfg.GetPaddingPolicy() != PaddingLegacy {
		t.Errorf("GetPaddingPolicy() = %q, want legacy", cfg.GetPaddingPolicy())
	}
	if cfg.GetDownRatio() != 2.5 {
		t.Errorf("GetDownRatio() = %f, want 2.5", cfg.GetDownRatio())
	}
	// Omitted fields keep defaults.
	if cfg.GetLatentDim() != 128 {
		t.Errorf("GetLatentDim() = %d, want 128", cfg.GetLatentDim())
	}
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "cfg.yaml", `{}`, ".json extension"},
		{"bad json", "bad.json", `{"stride":`, "parse config JSON"},
		{"zero stride", "stride.json", `{"stride": 0}`, "stride must be positive"},
		{"negative radius", "radius.json", `{"corr_radius": -1}`, "corr_radius"},
		{"latent not multiple of 4", "latent.json", `{"latent_dim": 126}`, "multiple of 4"},
		{"down ratio below one", "down.json", `{"down_ratio": 0.5}`, "down_ratio"},
		{"unknown padding", "pad.json", `{"padding_policy": "odd"}`, "padding_policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.file)
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadTuningConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadTuningConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadTuningConfig(filepath.Join(tmpDir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadTuningConfig_TooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.json")
	body := `{"stride": 4, "pad": "` + strings.Repeat("x", 1024*1024) + `"}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTuningConfig(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too-large error, got %v", err)
	}
}

func TestValidatePointerFields(t *testing.T) {
	cfg := &TuningConfig{
		Stride:        ptrInt(2),
		LatentDim:     ptrInt(64),
		DownRatio:     ptrFloat64(1),
		FineMode:      ptrBool(true),
		PaddingPolicy: ptrString(PaddingAligned),
		PosCacheSize:  ptrInt(0),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.GetPosCacheSize() != 16 {
		t.Errorf("zero pos_cache_size should fall back to 16, got %d", cfg.GetPosCacheSize())
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.Stride == nil || *cfg.Stride != 4 {
		t.Errorf("defaults file stride = %v, want 4", cfg.Stride)
	}
	if cfg.LatentDim == nil || *cfg.LatentDim != 128 {
		t.Errorf("defaults file latent_dim = %v, want 128", cfg.LatentDim)
	}
}
