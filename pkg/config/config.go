// Package config provides configuration loading and management for trainableseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"trainableseg/internal/models"
	"trainableseg/pkg/featurecache"
	"trainableseg/pkg/features"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// BatchSize is the number of vectors classified between progress updates
		BatchSize int `yaml:"batchSize"`

		// Probability writes per-class probability maps instead of class maps
		Probability bool `yaml:"probability"`
	} `yaml:"processing"`

	// Feature extraction parameters
	Features struct {
		// Filters lists the enabled filter kinds by name
		Filters []string `yaml:"filters"`

		// Scales bounds the sigma sequence of the scale-space filters
		Scales features.ScaleRange `yaml:"scales"`

		// Membrane configures the membrane projections
		Membrane features.MembraneParams `yaml:"membrane"`

		// Lipschitz configures the Lipschitz cover filter
		Lipschitz struct {
			Slopes []float64 `yaml:"slopes"`
			Down   bool      `yaml:"down"`
			TopHat bool      `yaml:"topHat"`
		} `yaml:"lipschitz"`

		// Selected restricts training to the named channels, empty keeps all
		Selected []string `yaml:"selected,omitempty"`
	} `yaml:"features"`

	// Classifier parameters
	Classifier struct {
		// K is the number of neighbours voting in the k-NN classifier
		K int `yaml:"k"`
	} `yaml:"classifier"`

	// Feature cache parameters
	Cache struct {
		// Dir enables the on-disk feature cache when set
		Dir string `yaml:"dir"`

		// Codec is one of none, lz4 or zstd
		Codec string `yaml:"codec"`
	} `yaml:"cache"`

	// Output parameters
	Output struct {
		// Dir receives the segmentation images
		Dir string `yaml:"dir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogFormat is text or json
		LogFormat string `yaml:"logFormat"`
	} `yaml:"output"`

	// Metrics parameters
	Metrics struct {
		// Addr serves Prometheus metrics when set, e.g. ":9090"
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.BatchSize = 4000
	cfg.Processing.Probability = false

	// Set default feature parameters
	cfg.Features.Filters = []string{
		features.KindGaussian.String(),
		features.KindSobel.String(),
		features.KindHessian.String(),
		features.KindDifferenceOfGaussians.String(),
		features.KindMembraneProjections.String(),
	}
	cfg.Features.Scales = features.ScaleRange{Min: 1, Max: 16}
	cfg.Features.Membrane = features.MembraneParams{Thickness: 1, PatchSize: 19}
	cfg.Features.Lipschitz.Slopes = append([]float64(nil), features.DefaultLipschitzSlopes...)
	cfg.Features.Lipschitz.Down = true
	cfg.Features.Lipschitz.TopHat = true

	// Set default classifier parameters
	cfg.Classifier.K = 5

	// Set default cache parameters
	cfg.Cache.Codec = featurecache.CodecZstd.String()

	// Set default output parameters
	cfg.Output.Dir = "output"
	cfg.Output.Verbose = false
	cfg.Output.LogFormat = "text"

	return cfg
}

// FeatureConfig converts the features section into a filter configuration
func (c *Config) FeatureConfig() (features.Config, error) {
	var fs []features.Filter
	for _, name := range c.Features.Filters {
		kind, err := features.ParseKind(name)
		if err != nil {
			return features.Config{}, err
		}
		switch kind {
		case features.KindGaussian:
			fs = append(fs, features.GaussianFilter{Scales: c.Features.Scales})
		case features.KindSobel:
			fs = append(fs, features.SobelFilter{Scales: c.Features.Scales})
		case features.KindHessian:
			fs = append(fs, features.HessianFilter{Scales: c.Features.Scales})
		case features.KindDifferenceOfGaussians:
			fs = append(fs, features.DifferenceOfGaussiansFilter{Scales: c.Features.Scales})
		case features.KindMembraneProjections:
			fs = append(fs, features.MembraneFilter{Params: c.Features.Membrane})
		case features.KindLipschitz:
			slopes := c.Features.Lipschitz.Slopes
			if len(slopes) == 0 {
				slopes = features.DefaultLipschitzSlopes
			}
			fs = append(fs, features.LipschitzFilter{
				Slopes: append([]float64(nil), slopes...),
				Down:   c.Features.Lipschitz.Down,
				TopHat: c.Features.Lipschitz.TopHat,
			})
		}
	}
	return features.NewConfigFromFilters(fs...)
}

// CacheCodec parses the cache codec name
func (c *Config) CacheCodec() (featurecache.Codec, error) {
	return featurecache.ParseCodec(c.Cache.Codec)
}

// Validate checks the settings that are not covered by the feature
// configuration.
func (c *Config) Validate() error {
	if c.Classifier.K < 1 {
		return models.NewConfigurationError("classifier k must be at least 1, got %d", c.Classifier.K)
	}
	if c.Processing.BatchSize < 0 {
		return models.NewConfigurationError("batch size must not be negative, got %d", c.Processing.BatchSize)
	}
	switch c.Output.LogFormat {
	case "", "text", "json":
	default:
		return models.NewConfigurationError("unknown log format %q", c.Output.LogFormat)
	}
	if _, err := c.CacheCodec(); err != nil {
		return err
	}
	_, err := c.FeatureConfig()
	return err
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
