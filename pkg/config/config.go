// Package config provides configuration loading and management for the
// segmentation pipeline. It handles loading configuration from YAML files
// and provides default values.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Processing parameters
	Processing struct {
		// CropSize is the tile edge length in pixels. Must be positive and
		// even. Zero defers to the model's preferred input size.
		CropSize int `yaml:"cropSize"`

		// Stride is the offset between consecutive tiles. Zero derives it
		// as cropSize/2.
		Stride int `yaml:"stride"`

		// BatchSize is the number of tiles per inference call.
		BatchSize int `yaml:"batchSize"`

		// BandOrder rearranges input bands with 1-based indices, e.g.
		// [3, 2, 1] for a BGR source. Empty keeps file order.
		BandOrder []int `yaml:"bandOrder"`

		// FillValue pads reads past the image boundary.
		FillValue float64 `yaml:"fillValue"`

		// SkipUniformTiles bypasses inference for single-valued tiles.
		SkipUniformTiles bool `yaml:"skipUniformTiles"`
	} `yaml:"processing"`

	// Models parameters
	Models struct {
		// ConfigDir is the directory holding model registry YAML files.
		ConfigDir string `yaml:"configDir"`

		// CacheDir overrides the default model artifact cache location.
		CacheDir string `yaml:"cacheDir"`

		// ONNXRuntimeLib is the path to the ONNX Runtime shared library.
		ONNXRuntimeLib string `yaml:"onnxRuntimeLib"`

		// IntraOpThreads limits ONNX Runtime's internal parallelism.
		IntraOpThreads int `yaml:"intraOpThreads"`
	} `yaml:"models"`

	// Output parameters
	Output struct {
		// Preview renders a colorized PNG of the class raster next to the
		// output file.
		Preview bool `yaml:"preview"`

		// PreviewMaxDim downscales the preview so its longest edge does not
		// exceed this many pixels. Zero keeps full resolution.
		PreviewMaxDim int `yaml:"previewMaxDim"`

		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.CropSize = 0 // use the model's preferred size
	cfg.Processing.Stride = 0   // derive as cropSize/2
	cfg.Processing.BatchSize = 1
	cfg.Processing.FillValue = 0
	cfg.Processing.SkipUniformTiles = true

	cfg.Models.ConfigDir = "configs"

	cfg.Output.Preview = false
	cfg.Output.PreviewMaxDim = 2048
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// Validate checks the configuration against the processing constraints.
// All checks run before any processing starts.
func (c *Config) Validate() error {
	p := &c.Processing
	if p.CropSize < 0 || p.CropSize%2 != 0 {
		return errors.Errorf("config: cropSize must be a positive even number, got %d", p.CropSize)
	}
	if p.Stride < 0 {
		return errors.Errorf("config: stride must not be negative, got %d", p.Stride)
	}
	if p.CropSize > 0 && p.Stride > p.CropSize {
		return errors.Errorf("config: stride %d exceeds cropSize %d", p.Stride, p.CropSize)
	}
	if p.BatchSize <= 0 {
		return errors.Errorf("config: batchSize must be positive, got %d", p.BatchSize)
	}
	for _, b := range p.BandOrder {
		if b < 1 {
			return errors.Errorf("config: band indices are 1-based, got %d", b)
		}
	}
	if c.Output.PreviewMaxDim < 0 {
		return errors.Errorf("config: previewMaxDim must not be negative, got %d", c.Output.PreviewMaxDim)
	}
	return nil
}
