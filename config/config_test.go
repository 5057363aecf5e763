package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 700, cfg.MaxLength)
	assert.Equal(t, 21, cfg.InputDim)
	assert.Equal(t, 100, cfg.HiddenDim)
	assert.Equal(t, 8, cfg.OutputDim)
	assert.Equal(t, "LBEGIHST", cfg.LabelSet)
	assert.Equal(t, 300, cfg.BatchSize)
	assert.Equal(t, "adagrad", cfg.Optimizer)
	require.NoError(t, cfg.Validate())
}

func TestWithDefaultsKeepsSetFields(t *testing.T) {
	cfg := Config{MaxLength: 4, LabelSet: "AB", BatchSize: 2}.WithDefaults()
	assert.Equal(t, 4, cfg.MaxLength)
	assert.Equal(t, 2, cfg.OutputDim)
	assert.Equal(t, 2, cfg.BatchSize)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero length", func(c *Config) { c.MaxLength = 0 }},
		{"negative hidden", func(c *Config) { c.HiddenDim = -1 }},
		{"label count mismatch", func(c *Config) { c.LabelSet = "ABC" }},
		{"repeated label", func(c *Config) { c.LabelSet = "LLEGIHST" }},
		{"unknown optimizer", func(c *Config) { c.Optimizer = "lbfgs" }},
		{"negative epochs", func(c *Config) { c.Epochs = -2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestKnownOptimizer(t *testing.T) {
	assert.True(t, KnownOptimizer("adagrad"))
	assert.True(t, KnownOptimizer("adam"))
	assert.True(t, KnownOptimizer("sgd"))
	assert.False(t, KnownOptimizer(""))
}

func TestParseOverridesOnlyNamedFields(t *testing.T) {
	cfg, err := Parse([]byte(`{
  "predictor": {"max_length": 50, "label_set": "HEC"},
  "tunables": {"training": {"optimizer": "adam", "batch_size": 16, "print_confusion": true}}
}`))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxLength)
	assert.Equal(t, "HEC", cfg.LabelSet)
	assert.Equal(t, 3, cfg.OutputDim)
	assert.Equal(t, "adam", cfg.Optimizer)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.True(t, cfg.PrintConfusion)
	assert.Equal(t, DefaultHiddenDim, cfg.HiddenDim)
	assert.Equal(t, DefaultLearningRate, cfg.LearningRate)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte(`{"predictor": {"output_dim": 3}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestLoadRoundTrip(t *testing.T) {
	want := Default()
	want.MaxLength = 32
	want.Seed = 7
	want.PrintConfusion = true
	data, err := want.MarshalIndent()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "q8.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLabelIndex(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 0, cfg.LabelIndex('L'))
	assert.Equal(t, 7, cfg.LabelIndex('T'))
	assert.Equal(t, -1, cfg.LabelIndex('C'))
}

func TestMultiByteLabelSet(t *testing.T) {
	cfg := Config{LabelSet: "αβγ"}.WithDefaults()
	assert.Equal(t, 3, cfg.OutputDim)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.LabelIndex('β'))
	assert.Equal(t, 2, cfg.LabelIndex('γ'))
}
