// Package config provides loading and management of the feature-engine
// parameter file. It handles loading settings from YAML files and provides
// default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the parameter-file schema version written by SaveConfig.
const CurrentVersion = "1"

// Config represents the feature-engine parameter file loaded from YAML.
type Config struct {
	// Version identifies the parameter-file schema
	Version string `yaml:"version" validate:"required"`

	// ImageTypes lists the derived images to extract from. Only the original
	// image is supported.
	ImageTypes []string `yaml:"imageType" validate:"required,min=1,dive,oneof=Original"`

	// FeatureClasses maps a feature class to the features to compute. An empty
	// list enables every feature of the class.
	FeatureClasses map[string][]string `yaml:"featureClass" validate:"required,min=1"`

	// Setting holds preprocessing and mask-check parameters
	Setting Setting `yaml:"setting"`
}

// Setting holds the engine's scalar parameters. The JSON names are what
// ends up in the configuration diagnostics of every feature vector.
type Setting struct {
	// Label is the mask value to extract. The pipeline overrides it with the
	// label resolved from each mask.
	Label int `yaml:"label" json:"label" validate:"gte=0"`

	// PadDistance is the voxel margin kept around the mask bounding box
	PadDistance int `yaml:"padDistance" json:"padDistance" validate:"gte=0"`

	// CorrectMask allows the mask check to copy image geometry onto a mask
	// whose geometry differs within GeometryTolerance
	CorrectMask bool `yaml:"correctMask" json:"correctMask"`

	// GeometryTolerance bounds origin, spacing and direction differences
	GeometryTolerance float64 `yaml:"geometryTolerance" json:"geometryTolerance" validate:"gte=0"`

	// MinimumROIDimensions is the number of axes along which the ROI must
	// span more than one voxel
	MinimumROIDimensions int `yaml:"minimumROIDimensions" json:"minimumROIDimensions" validate:"gte=1,lte=3"`

	// MinimumROISize is the minimum number of ROI voxels
	MinimumROISize int `yaml:"minimumROISize" json:"minimumROISize" validate:"gte=0"`

	// BinWidth is the intensity bin width for discretised first-order features
	BinWidth float64 `yaml:"binWidth" json:"binWidth" validate:"gt=0"`

	// VoxelArrayShift is added to intensities before energy features
	VoxelArrayShift float64 `yaml:"voxelArrayShift" json:"voxelArrayShift"`

	// RandomSeed seeds negative-control synthesis
	RandomSeed uint64 `yaml:"randomSeed" json:"randomSeed"`
}

var validate = validator.New()

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Version:    CurrentVersion,
		ImageTypes: []string{"Original"},
		FeatureClasses: map[string][]string{
			"shape":      {},
			"firstorder": {},
		},
	}

	cfg.Setting.Label = 1
	cfg.Setting.PadDistance = 5
	cfg.Setting.CorrectMask = true
	cfg.Setting.GeometryTolerance = 1e-6
	cfg.Setting.MinimumROIDimensions = 2
	cfg.Setting.MinimumROISize = 0
	cfg.Setting.BinWidth = 25
	cfg.Setting.VoxelArrayShift = 0
	cfg.Setting.RandomSeed = 10

	return cfg
}

// LoadConfig loads a parameter file from YAML. An empty path yields the
// default configuration; a named file that does not exist is an error.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parsed sections replace the defaults wholesale
	cfg.FeatureClasses = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	return validate.Struct(c)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
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

// WithLabel returns a copy of the configuration with the label replaced.
func (c *Config) WithLabel(label int) *Config {
	out := *c
	out.Setting.Label = label
	return &out
}
