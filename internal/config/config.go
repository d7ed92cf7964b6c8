// Package config holds the immutable configuration of a training run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/happyhackingspace/chemner/crf"
	"github.com/happyhackingspace/chemner/internal/earlystop"
)

// Model kinds.
const (
	KindSeqCRF      = "seq_crf"
	KindMultiSubCRF = "multi_sub_crf"
)

// Kinds lists the supported model kinds.
var Kinds = []string{KindSeqCRF, KindMultiSubCRF}

// Reductions.
const (
	ReductionSum  = "sum"
	ReductionMean = "mean"
)

// ConfigurationError reports an invalid option. It is raised before any
// checkpoint is written.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RunConfig is every option of a training run.
type RunConfig struct {
	BatchSize int    `yaml:"batch_size"`
	Epoch     int    `yaml:"epoch"`
	EmbedDim  int    `yaml:"embed_dim"`
	HiddenDim int    `yaml:"hidden_dim"`
	NumLayers int    `yaml:"num_layers"`
	EarlyStop bool   `yaml:"early_stop"`
	GPU       bool   `yaml:"gpu"`
	ModelKind string `yaml:"model_kind"`
	Reduction string `yaml:"reduction"`
	Seed      uint64 `yaml:"seed"`
	Prefetch  int    `yaml:"prefetch"`
	MinDF     int    `yaml:"min_df"`

	Patience               int     `yaml:"patience"`
	MinRelativeImprovement float64 `yaml:"min_relative_improvement"`

	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	ClipNorm     float64 `yaml:"clip_norm"`

	TrainPath string `yaml:"train_path"`
	ValidPath string `yaml:"valid_path"`
	ModelDir  string `yaml:"model_dir"`
	ResultDir string `yaml:"result_dir"`
	ResultsDB string `yaml:"results_db"`
}

// Default returns the defaults of the multi-subword training script.
func Default() RunConfig {
	es := earlystop.DefaultConfig()
	return RunConfig{
		BatchSize:              10,
		Epoch:                  1,
		EmbedDim:               100,
		HiddenDim:              50,
		NumLayers:              1,
		ModelKind:              KindMultiSubCRF,
		Reduction:              ReductionSum,
		Seed:                   1,
		Prefetch:               2,
		MinDF:                  1,
		Patience:               es.Patience,
		MinRelativeImprovement: es.MinRelativeImprovement,
		LearningRate:           0.1,
		TrainPath:              filepath.Join("data", "train"),
		ValidPath:              filepath.Join("data", "valid"),
		ModelDir:               "models",
		ResultDir:              "results",
	}
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (RunConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c RunConfig) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *RunConfig) applyEnvOverrides() {
	if dir := os.Getenv("CHEMNER_MODEL_DIR"); dir != "" {
		c.ModelDir = dir
	}
	if dir := os.Getenv("CHEMNER_RESULT_DIR"); dir != "" {
		c.ResultDir = dir
	}
}

// Validate returns a *ConfigurationError for the first invalid option.
func (c RunConfig) Validate() error {
	positive := []struct {
		field string
		v     int
	}{
		{"batch_size", c.BatchSize},
		{"epoch", c.Epoch},
		{"embed_dim", c.EmbedDim},
		{"hidden_dim", c.HiddenDim},
		{"num_layers", c.NumLayers},
		{"min_df", c.MinDF},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return &ConfigurationError{Field: p.field, Reason: fmt.Sprintf("%d must be positive", p.v)}
		}
	}
	if c.Prefetch < 0 {
		return &ConfigurationError{Field: "prefetch", Reason: "must not be negative"}
	}
	if !slices.Contains(Kinds, c.ModelKind) {
		return &ConfigurationError{Field: "model_kind", Reason: fmt.Sprintf("%q is not one of %v", c.ModelKind, Kinds)}
	}
	if _, err := c.CRFReduction(); err != nil {
		return err
	}
	if err := c.EarlyStopConfig().Validate(); err != nil {
		return &ConfigurationError{Field: "patience/min_relative_improvement", Reason: err.Error()}
	}
	if c.LearningRate <= 0 {
		return &ConfigurationError{Field: "learning_rate", Reason: "must be positive"}
	}
	if c.WeightDecay < 0 {
		return &ConfigurationError{Field: "weight_decay", Reason: "must not be negative"}
	}
	if c.ClipNorm < 0 {
		return &ConfigurationError{Field: "clip_norm", Reason: "must not be negative"}
	}
	if c.TrainPath == "" {
		return &ConfigurationError{Field: "train_path", Reason: "is empty"}
	}
	if c.ModelDir == "" {
		return &ConfigurationError{Field: "model_dir", Reason: "is empty"}
	}
	if c.ResultDir == "" {
		return &ConfigurationError{Field: "result_dir", Reason: "is empty"}
	}
	return nil
}

// CRFReduction maps the reduction option to the CRF layer setting.
func (c RunConfig) CRFReduction() (crf.Reduction, error) {
	switch c.Reduction {
	case ReductionSum, "":
		return crf.ReduceSum, nil
	case ReductionMean:
		return crf.ReduceMean, nil
	}
	return 0, &ConfigurationError{Field: "reduction", Reason: fmt.Sprintf("%q is not sum or mean", c.Reduction)}
}

// EarlyStopConfig returns the stopping rule.
func (c RunConfig) EarlyStopConfig() earlystop.Config {
	return earlystop.Config{Patience: c.Patience, MinRelativeImprovement: c.MinRelativeImprovement}
}
