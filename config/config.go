// Package config holds the fixed constants and training tunables consumed by
// the predictor. A Config value is threaded explicitly into predictor.New,
// nothing here is read from package-level state.
package config

import (
	"encoding/json"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Q8 is the standard 8-class secondary structure alphabet, in label-index order.
const Q8 = "LBEGIHST"

// Default values used when a field is left at its zero value.
const (
	DefaultMaxLength    = 700
	DefaultInputDim     = 21
	DefaultHiddenDim    = 100
	DefaultBatchSize    = 300
	DefaultEpochs       = 20
	DefaultOptimizer    = "adagrad"
	DefaultLearningRate = 0.01
)

// Config holds the model dimensions, the label alphabet and the training
// tunables.
type Config struct {
	// MaxLength is the padded sequence length L.
	MaxLength int `json:"max_length"`

	// InputDim is the per-residue feature dimension.
	InputDim int `json:"input_dim"`

	// HiddenDim is the recurrent state size (per direction) and the size of
	// the hidden projection.
	HiddenDim int `json:"hidden_dim"`

	// OutputDim is the number of labels K. Must match len(LabelSet).
	OutputDim int `json:"output_dim"`

	// LabelSet maps label index to symbol.
	LabelSet string `json:"label_set"`

	// BatchSize is fixed for the lifetime of a predictor.
	BatchSize int `json:"batch_size"`

	// Epochs is the default number of epochs used by cmd/q8train.
	Epochs int `json:"epochs"`

	// Optimizer is "adagrad" or any name known to gomlx optimizers.
	Optimizer string `json:"optimizer"`

	// LearningRate for the optimizer.
	LearningRate float64 `json:"learning_rate"`

	// Seed for weight initialization and shuffling. Zero means time based.
	Seed int64 `json:"seed"`

	// PrintConfusion enables the per-epoch confusion matrix on validation data.
	PrintConfusion bool `json:"print_confusion"`

	// Verbose shows a progress bar while predicting.
	Verbose bool `json:"verbose"`
}

// Default returns the configuration with every field set to its default.
func Default() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of c where zero fields are filled in.
func (c Config) WithDefaults() Config {
	if c.MaxLength == 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.InputDim == 0 {
		c.InputDim = DefaultInputDim
	}
	if c.HiddenDim == 0 {
		c.HiddenDim = DefaultHiddenDim
	}
	if c.LabelSet == "" {
		c.LabelSet = Q8
	}
	if c.OutputDim == 0 {
		c.OutputDim = utf8.RuneCountInString(c.LabelSet)
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Epochs == 0 {
		c.Epochs = DefaultEpochs
	}
	if c.Optimizer == "" {
		c.Optimizer = DefaultOptimizer
	}
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	return c
}

// Validate reports the first inconsistency found in c.
func (c Config) Validate() error {
	switch {
	case c.MaxLength <= 0:
		return errors.Errorf("max_length must be positive, got %d", c.MaxLength)
	case c.InputDim <= 0:
		return errors.Errorf("input_dim must be positive, got %d", c.InputDim)
	case c.HiddenDim <= 0:
		return errors.Errorf("hidden_dim must be positive, got %d", c.HiddenDim)
	case c.OutputDim <= 0:
		return errors.Errorf("output_dim must be positive, got %d", c.OutputDim)
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.Epochs < 0:
		return errors.Errorf("epochs must not be negative, got %d", c.Epochs)
	case c.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	}
	if n := utf8.RuneCountInString(c.LabelSet); n != c.OutputDim {
		return errors.Errorf("label_set %q has %d symbols, output_dim is %d", c.LabelSet, n, c.OutputDim)
	}
	seen := make(map[rune]bool, len(c.LabelSet))
	for _, r := range c.LabelSet {
		if seen[r] {
			return errors.Errorf("label_set %q repeats symbol %q", c.LabelSet, r)
		}
		seen[r] = true
	}
	if !KnownOptimizer(c.Optimizer) {
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	return nil
}

// KnownOptimizer reports whether name can be built by the predictor.
func KnownOptimizer(name string) bool {
	if name == DefaultOptimizer {
		return true
	}
	_, ok := optimizers.KnownOptimizers[name]
	return ok
}

// LabelIndex returns the index of symbol in the label set, or -1.
func (c Config) LabelIndex(symbol rune) int {
	i := strings.IndexRune(c.LabelSet, symbol)
	if i < 0 {
		return -1
	}
	return utf8.RuneCountInString(c.LabelSet[:i])
}

// file is the on-disk layout: model constants under "predictor", training
// knobs under "tunables.training". Pointer fields distinguish "absent" from
// zero so a file only overrides what it names.
type file struct {
	Predictor *struct {
		MaxLength *int    `json:"max_length"`
		InputDim  *int    `json:"input_dim"`
		HiddenDim *int    `json:"hidden_dim"`
		OutputDim *int    `json:"output_dim"`
		LabelSet  *string `json:"label_set"`
	} `json:"predictor"`
	Tunables *struct {
		Training *struct {
			Optimizer      *string  `json:"optimizer"`
			LearningRate   *float64 `json:"learning_rate"`
			Epochs         *int     `json:"epochs"`
			BatchSize      *int     `json:"batch_size"`
			Seed           *int64   `json:"seed"`
			PrintConfusion *bool    `json:"print_confusion"`
			Verbose        *bool    `json:"verbose"`
		} `json:"training"`
	} `json:"tunables"`
}

// Load reads a JSON configuration file on top of Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("empty config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes JSON configuration bytes on top of Default().
func Parse(data []byte) (Config, error) {
	var raw file
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	cfg := Default()
	if p := raw.Predictor; p != nil {
		setIf(&cfg.MaxLength, p.MaxLength)
		setIf(&cfg.InputDim, p.InputDim)
		setIf(&cfg.HiddenDim, p.HiddenDim)
		setIf(&cfg.LabelSet, p.LabelSet)
		if p.OutputDim != nil {
			cfg.OutputDim = *p.OutputDim
		} else if p.LabelSet != nil {
			cfg.OutputDim = utf8.RuneCountInString(*p.LabelSet)
		}
	}
	if raw.Tunables != nil && raw.Tunables.Training != nil {
		t := raw.Tunables.Training
		setIf(&cfg.Optimizer, t.Optimizer)
		setIf(&cfg.LearningRate, t.LearningRate)
		setIf(&cfg.Epochs, t.Epochs)
		setIf(&cfg.BatchSize, t.BatchSize)
		setIf(&cfg.Seed, t.Seed)
		setIf(&cfg.PrintConfusion, t.PrintConfusion)
		setIf(&cfg.Verbose, t.Verbose)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// MarshalIndent renders cfg in the same layout Load reads.
func (c Config) MarshalIndent() ([]byte, error) {
	out := map[string]any{
		"predictor": map[string]any{
			"max_length": c.MaxLength,
			"input_dim":  c.InputDim,
			"hidden_dim": c.HiddenDim,
			"output_dim": c.OutputDim,
			"label_set":  c.LabelSet,
		},
		"tunables": map[string]any{
			"training": map[string]any{
				"optimizer":       c.Optimizer,
				"learning_rate":   c.LearningRate,
				"epochs":          c.Epochs,
				"batch_size":      c.BatchSize,
				"seed":            c.Seed,
				"print_confusion": c.PrintConfusion,
				"verbose":         c.Verbose,
			},
		},
	}
	data, err := json.MarshalIndent(out, "", "  ")
	return data, errors.Wrap(err, "marshal config")
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
