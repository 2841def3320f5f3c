package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/RussPalms/felafax-dev/internal/dtype"
)

// TrainerConfig captures the runtime knobs for a training run. It is built
// once at startup and never mutated afterwards.
type TrainerConfig struct {
	ModelName   string `yaml:"model_name"`
	ParamDType  string `yaml:"param_dtype"`
	OutputDType string `yaml:"output_dtype"`
	NumEpochs   int    `yaml:"num_epochs"`
	NumSteps    int    `yaml:"num_steps"`
	NumDevices  int    `yaml:"num_devices"`
	BaseDir     string `yaml:"base_dir"`
}

// Default returns the baseline configuration.
func Default() TrainerConfig {
	return TrainerConfig{
		ModelName:   "bigram",
		ParamDType:  string(dtype.Float32),
		OutputDType: string(dtype.Float32),
		NumEpochs:   1,
		NumDevices:  4,
		BaseDir:     "runs",
	}
}

// Overrides captures CLI supplied values.
type Overrides struct {
	ModelName   string
	ParamDType  string
	OutputDType string
	NumEpochs   int
	NumSteps    int
	NumDevices  int
	BaseDir     string
}

// Load reads and validates a TrainerConfig from YAML, on top of the
// defaults.
func Load(path string) (*TrainerConfig, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override. A negative step
// override is kept: it means "run until the data is exhausted".
func (c *TrainerConfig) ApplyOverrides(o Overrides) {
	if o.ModelName != "" {
		c.ModelName = o.ModelName
	}
	if o.ParamDType != "" {
		c.ParamDType = o.ParamDType
	}
	if o.OutputDType != "" {
		c.OutputDType = o.OutputDType
	}
	if o.NumEpochs > 0 {
		c.NumEpochs = o.NumEpochs
	}
	if o.NumSteps != 0 {
		c.NumSteps = o.NumSteps
	}
	if o.NumDevices > 0 {
		c.NumDevices = o.NumDevices
	}
	if o.BaseDir != "" {
		c.BaseDir = o.BaseDir
	}
}

// Validate verifies the config is runnable. The step cap is deliberately
// unchecked (non-positive means unbounded) and the device count topology is
// enforced by mesh construction.
func (c *TrainerConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ModelName == "" {
		return errors.New("model_name must be provided")
	}
	if _, err := dtype.Parse(c.ParamDType); err != nil {
		return fmt.Errorf("param_dtype: %w", err)
	}
	if _, err := dtype.Parse(c.OutputDType); err != nil {
		return fmt.Errorf("output_dtype: %w", err)
	}
	if c.NumEpochs <= 0 {
		c.NumEpochs = 1
	}
	if c.NumDevices <= 0 {
		return fmt.Errorf("num_devices must be > 0 (got %d)", c.NumDevices)
	}
	if c.BaseDir == "" {
		return errors.New("base_dir must be provided")
	}
	return nil
}
