package finetune

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/videotune/datasets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		Datasets: []map[string]any{
			{"type": "image", "image_dir": "/images", "prompt": "p"},
		},
		MaxTrainSteps: 10,
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	// The two noise-augmentation modes are mutually exclusive.
	cfg := validConfig()
	cfg.UseOffsetNoise = true
	require.NoError(t, cfg.Validate())
	cfg.RescaleSchedule = true
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)
	cfg.UseOffsetNoise = false
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.Datasets = nil
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	cfg = validConfig()
	cfg.MaxTrainSteps = 0
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	cfg = validConfig()
	cfg.LoRA = LoRAConfig{Enable: true, Rank: 4, Form: "bogus", Targets: []string{"linear"}}
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)
	cfg.LoRA.Form = "additive_delta"
	require.NoError(t, cfg.Validate())
	cfg.LoRA.Targets = nil
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	cfg = validConfig()
	cfg.MixedPrecision = "fp8"
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"output_dir": "/out",
		"max_train_steps": 100,
		"use_offset_noise": true,
		"datasets": [
			{"type": "folder", "path": "/videos", "n_sample_frames": 8, "fps": 12}
		],
		"lora": {"enable": true, "rank": 8, "alpha": 16, "form": "additive_delta", "targets": ["attention"]}
	}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxTrainSteps)
	assert.True(t, cfg.UseOffsetNoise)
	assert.Equal(t, 8, cfg.LoRA.Rank)

	// Defaults applied.
	assert.Equal(t, 1000, cfg.TrainTimesteps)
	assert.Equal(t, 0.1, cfg.OffsetNoiseStrength)
	assert.Equal(t, 1, cfg.GradAccumSteps)

	specs, err := cfg.DatasetSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, datasets.TypeFolder, specs[0].Type)
	assert.Equal(t, 8, specs[0].NSampleFrames)

	// Unknown keys fail.
	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"max_trian_steps": 10}`), 0644))
	_, err = LoadConfig(bad)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNewRunDir(t *testing.T) {
	cfg := validConfig()
	cfg.OutputDir = t.TempDir()

	run, err := NewRunDir(cfg)
	require.NoError(t, err)
	for _, dir := range []string{run.Samples(), run.CachedLatents(), run.Checkpoints()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	_, err = os.Stat(filepath.Join(run.Root, "config.json"))
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(run.Root), "train_")
}
