// Package config holds the externally settable tuning surface of the
// alignment engine: detector parameters, matcher thresholds, the RANSAC
// cascade and the scoring policy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cardalign/internal/features"
	"cardalign/internal/homography"
	"cardalign/internal/matching"
	"cardalign/internal/quality"
)

// Ransac groups the estimator settings.
type Ransac struct {
	// Cascade is the ordered configuration list; all entries are
	// evaluated on every request.
	Cascade []homography.Config `json:"cascade"`
	// Seed makes sampling reproducible. There is no unseeded mode.
	Seed int64 `json:"seed"`
}

// Pipeline groups the orchestrator settings.
type Pipeline struct {
	// TargetDimension is the longest-side size both images are
	// normalized to before extraction and matching.
	TargetDimension int `json:"target_dimension"`
	// CropPadding trims the black border the warp leaves around the
	// content before scoring.
	CropPadding bool `json:"crop_padding"`
}

// Config is the full tuning surface. Every value has a default; a
// config file only needs the fields it overrides.
type Config struct {
	Detector features.Options `json:"detector"`
	Matcher  matching.Options `json:"matcher"`
	Ransac   Ransac           `json:"ransac"`
	Quality  quality.Options  `json:"quality"`
	Pipeline Pipeline         `json:"pipeline"`
}

// Default returns the tuned defaults for every component.
func Default() Config {
	return Config{
		Detector: features.DefaultOptions(),
		Matcher:  matching.DefaultOptions(),
		Ransac: Ransac{
			Cascade: homography.DefaultCascade(),
			Seed:    1,
		},
		Quality: quality.DefaultOptions(),
		Pipeline: Pipeline{
			TargetDimension: 800,
			CropPadding:     true,
		},
	}
}

// Load reads a config file, overlaying it on the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories
// as needed.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
