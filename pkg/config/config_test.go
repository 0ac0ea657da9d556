package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"Original"}, cfg.ImageTypes)
	assert.Contains(t, cfg.FeatureClasses, "shape")
	assert.Contains(t, cfg.FeatureClasses, "firstorder")
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestCreateDefaultConfigFileLoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "params.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Setting, cfg.Setting)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "imageType:\n")
	assert.NotContains(t, string(data), "imageTypes")
}

func TestLoadConfigReplacesFeatureClasses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	doc := `version: "1"
imageType: [Original]
featureClass:
  firstorder: [Mean, Maximum]
setting:
  binWidth: 10
  padDistance: 2
  minimumROIDimensions: 1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"firstorder": {"Mean", "Maximum"}}, cfg.FeatureClasses)
	assert.Equal(t, 10.0, cfg.Setting.BinWidth)
	assert.Equal(t, 2, cfg.Setting.PadDistance)
	// Unset keys keep their defaults
	assert.True(t, cfg.Setting.CorrectMask)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero bin width", "version: \"1\"\nimageType: [Original]\nfeatureClass: {shape: []}\nsetting: {binWidth: 0}\n"},
		{"unsupported image type", "version: \"1\"\nimageType: [Wavelet]\nfeatureClass: {shape: []}\n"},
		{"no feature classes", "version: \"1\"\nimageType: [Original]\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "params.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.doc), 0o644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestWithLabelDoesNotMutate(t *testing.T) {
	cfg := DefaultConfig()
	labelled := cfg.WithLabel(255)
	assert.Equal(t, 255, labelled.Setting.Label)
	assert.Equal(t, 1, cfg.Setting.Label)
}
