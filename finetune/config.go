/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package finetune orchestrates the training loop: it aggregates the
// datasets, pre-fills the latent cache, applies freezing and adapter
// injection, and drives the gomlx trainer through steps, periodic validation
// sampling and checkpoints.
package finetune

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/videotune/datasets"
	"github.com/gomlx/videotune/lora"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrConfiguration indicates invalid or contradictory training settings.
// It is the same sentinel the datasets package uses, so a caller can match
// configuration failures from either layer with one errors.Is.
var ErrConfiguration = datasets.ErrConfiguration

// LoRAConfig configures adapter injection.
type LoRAConfig struct {
	Enable  bool     `mapstructure:"enable"`
	Rank    int      `mapstructure:"rank"`
	Alpha   float64  `mapstructure:"alpha"`
	Dropout float64  `mapstructure:"dropout"`
	Form    string   `mapstructure:"form"`
	Targets []string `mapstructure:"targets"` // Wrappable kinds: linear, conv, attention, embedding.

	// Path of a previously trained adapter to resume from.
	Path string `mapstructure:"path"`
}

// GroupConfig overrides optimizer settings for the variables whose scope
// contains any of its patterns.
type GroupConfig struct {
	Name         string   `mapstructure:"name"`
	Patterns     []string `mapstructure:"patterns"`
	LearningRate float64  `mapstructure:"learning_rate"`
	WeightDecay  float64  `mapstructure:"weight_decay"`
}

// Config is the whole training configuration surface.
type Config struct {
	OutputDir string `mapstructure:"output_dir"`

	// Datasets to aggregate; at least one is required.
	Datasets       []map[string]any `mapstructure:"datasets"`
	ExtendDatasets bool             `mapstructure:"extend_datasets"`

	// Shuffle visits items in a new random order each pass instead of
	// sequentially.
	Shuffle bool `mapstructure:"shuffle"`

	// Target resolution and bucketing.
	TargetWidth  int  `mapstructure:"width"`
	TargetHeight int  `mapstructure:"height"`
	UseBucketing bool `mapstructure:"use_bucketing"`

	// Latent caching.
	CacheLatents    bool   `mapstructure:"cache_latents"`
	CachedLatentDir string `mapstructure:"cached_latent_dir"`
	CacheWorkers    int    `mapstructure:"cache_workers"`

	// Noise augmentation, mutually exclusive.
	UseOffsetNoise      bool    `mapstructure:"use_offset_noise"`
	OffsetNoiseStrength float64 `mapstructure:"offset_noise_strength"`
	RescaleSchedule     bool    `mapstructure:"rescale_schedule"`

	// Diffusion schedule.
	TrainTimesteps int     `mapstructure:"train_timesteps"`
	BetaStart      float64 `mapstructure:"beta_start"`
	BetaEnd        float64 `mapstructure:"beta_end"`

	LoRA LoRAConfig `mapstructure:"lora"`

	// Trainable-module patterns for the base weights, resolved by the freeze
	// controller. Empty means everything frozen (adapter-only training).
	TrainableModules     []string `mapstructure:"trainable_modules"`
	TrainableTextModules []string `mapstructure:"trainable_text_modules"`

	// Optimizer settings, with optional per-group overrides.
	LearningRate float64       `mapstructure:"learning_rate"`
	WeightDecay  float64       `mapstructure:"weight_decay"`
	Groups       []GroupConfig `mapstructure:"groups"`

	MaxTrainSteps      int     `mapstructure:"max_train_steps"`
	CheckpointingSteps int     `mapstructure:"checkpointing_steps"`
	ValidationSteps    int     `mapstructure:"validation_steps"`
	GradAccumSteps     int     `mapstructure:"gradient_accumulation_steps"`
	MaxGradNorm        float64 `mapstructure:"max_grad_norm"`

	// Validation sampling.
	ValidationPrompt  string  `mapstructure:"validation_prompt"`
	NumInferenceSteps int     `mapstructure:"num_inference_steps"`
	GuidanceScale     float64 `mapstructure:"guidance_scale"`
	ValidationSeed    int64   `mapstructure:"validation_seed"`

	// Checkpointing: full model weights or adapter-only.
	SaveFullModel bool `mapstructure:"save_full_model"`

	MixedPrecision string `mapstructure:"mixed_precision"`
	Seed           int64  `mapstructure:"seed"`
}

// LoadConfig reads a JSON configuration file. Unknown keys fail, so typos
// surface before training.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration %q", path)
	}
	var raw map[string]any
	if err = json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "parsing configuration %q: %v", path, err)
	}
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building configuration decoder")
	}
	if err = decoder.Decode(raw); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "decoding configuration %q: %v", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.TargetWidth == 0 {
		cfg.TargetWidth = 256
	}
	if cfg.TargetHeight == 0 {
		cfg.TargetHeight = 256
	}
	if cfg.OffsetNoiseStrength == 0 {
		cfg.OffsetNoiseStrength = 0.1
	}
	if cfg.TrainTimesteps == 0 {
		cfg.TrainTimesteps = 1000
	}
	if cfg.BetaStart == 0 {
		cfg.BetaStart = 0.00085
	}
	if cfg.BetaEnd == 0 {
		cfg.BetaEnd = 0.012
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 5e-5
	}
	if cfg.GradAccumSteps == 0 {
		cfg.GradAccumSteps = 1
	}
	if cfg.NumInferenceSteps == 0 {
		cfg.NumInferenceSteps = 25
	}
	if cfg.GuidanceScale == 0 {
		cfg.GuidanceScale = 9
	}
	if cfg.CacheWorkers == 0 {
		cfg.CacheWorkers = 4
	}
	if cfg.MixedPrecision == "" {
		cfg.MixedPrecision = "fp32"
	}
}

// Validate checks the configuration before any setup work runs.
func (cfg *Config) Validate() error {
	if cfg.UseOffsetNoise && cfg.RescaleSchedule {
		return errors.Wrap(ErrConfiguration,
			"use_offset_noise and rescale_schedule are mutually exclusive, enable at most one")
	}
	if len(cfg.Datasets) == 0 {
		return errors.Wrap(ErrConfiguration, "at least one dataset is required")
	}
	if cfg.MaxTrainSteps <= 0 {
		return errors.Wrap(ErrConfiguration, "max_train_steps must be > 0")
	}
	if cfg.GradAccumSteps < 1 {
		return errors.Wrap(ErrConfiguration, "gradient_accumulation_steps must be >= 1")
	}
	if cfg.LoRA.Enable {
		if _, err := lora.ParseForm(cfg.LoRA.Form); err != nil {
			return errors.Wrapf(ErrConfiguration, "lora.form: %v", err)
		}
		if cfg.LoRA.Rank <= 0 {
			return errors.Wrap(ErrConfiguration, "lora.rank must be > 0")
		}
		if len(cfg.LoRA.Targets) == 0 {
			return errors.Wrap(ErrConfiguration, "lora.targets must name at least one kind")
		}
	}
	switch cfg.MixedPrecision {
	case "fp32", "fp16", "bf16":
	default:
		return errors.Wrapf(ErrConfiguration, "mixed_precision %q, valid values are fp32, fp16 and bf16", cfg.MixedPrecision)
	}
	return nil
}

// DatasetSpecs decodes the raw dataset maps into typed specs.
func (cfg *Config) DatasetSpecs() ([]*datasets.Spec, error) {
	specs := make([]*datasets.Spec, 0, len(cfg.Datasets))
	for i, raw := range cfg.Datasets {
		spec, err := datasets.DecodeSpec(raw)
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset #%d", i)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// RunDir is the output layout of one training run.
type RunDir struct {
	Root string
}

func (r *RunDir) Samples() string       { return filepath.Join(r.Root, "samples") }
func (r *RunDir) CachedLatents() string { return filepath.Join(r.Root, "cached_latents") }
func (r *RunDir) Checkpoints() string   { return filepath.Join(r.Root, "checkpoints") }

// NewRunDir creates "train_<timestamp>_<shortid>" under the output directory
// with the samples, cached_latents and checkpoints subdirectories, and drops
// a copy of the configuration next to them.
func NewRunDir(cfg *Config) (*RunDir, error) {
	shortID := uuid.NewString()[:8]
	root := filepath.Join(cfg.OutputDir, fmt.Sprintf("train_%s_%s", time.Now().Format("2006-01-02T15-04-05"), shortID))
	run := &RunDir{Root: root}
	for _, dir := range []string{run.Root, run.Samples(), run.CachedLatents(), run.Checkpoints()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating run directory %q", dir)
		}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "serializing configuration")
	}
	if err = os.WriteFile(filepath.Join(root, "config.json"), data, 0644); err != nil {
		return nil, errors.Wrap(err, "writing config.json")
	}
	klog.V(1).Infof("run directory %q", root)
	return run, nil
}
