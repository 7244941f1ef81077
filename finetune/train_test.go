package finetune

import (
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/videotune/datasets"
	"github.com/gomlx/videotune/media"
	"github.com/gomlx/videotune/pretrained"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeImages drops n small PNG files into a fresh directory.
func writeImages(t *testing.T, n int) string {
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				img.Set(x, y, color.NRGBA{R: uint8(40 * i), G: 128, B: 200, A: 255})
			}
		}
		f, err := os.Create(filepath.Join(dir, "img"+string(rune('a'+i))+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	return dir
}

func trainingConfig(t *testing.T, imageDir string) *Config {
	cfg := &Config{
		OutputDir: t.TempDir(),
		Datasets: []map[string]any{
			{"type": "image", "image_dir": imageDir, "prompt": "a test pattern"},
		},
		TargetWidth:        32,
		TargetHeight:       32,
		MaxTrainSteps:      10,
		CheckpointingSteps: 5,
		TrainTimesteps:     100,
		CacheLatents:       true,
		LoRA: LoRAConfig{
			Enable:  true,
			Rank:    2,
			Alpha:   2,
			Form:    "additive_delta",
			Targets: []string{"linear", "attention"},
		},
		Seed: 17,
	}
	cfg.applyDefaults()
	return cfg
}

func TestRunCheckpointCadence(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := writeImages(t, 3)
	cfg := trainingConfig(t, dir)

	result, err := Run(backend, cfg, nil)
	require.NoError(t, err)

	// 10 steps with checkpointing every 5 produce exactly 2 checkpoints, at
	// steps 5 and 10, the second doubling as the final one.
	assert.Equal(t, 2, result.Checkpoints)
	assert.Equal(t, int64(10), result.GlobalStep)

	for _, step := range []string{"000005", "000010"} {
		_, err := os.Stat(filepath.Join(result.Run.Checkpoints(), "adapter_step_"+step+".safetensors"))
		assert.NoError(t, err)
	}
	assert.Equal(t,
		filepath.Join(result.Run.Checkpoints(), "adapter_step_000010.safetensors"),
		result.FinalAdapter)

	// The latent cache was pre-filled, one entry per image.
	entries, err := os.ReadDir(result.Run.CachedLatents())
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRunWithValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := writeImages(t, 2)
	cfg := trainingConfig(t, dir)
	cfg.MaxTrainSteps = 4
	cfg.CheckpointingSteps = 4
	cfg.ValidationSteps = 2
	cfg.NumInferenceSteps = 2
	cfg.ValidationPrompt = "a validation pattern"

	result, err := Run(backend, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checkpoints)

	// Validation sampled at steps 2 and 4 without touching training.
	samples, err := os.ReadDir(result.Run.Samples())
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestRunRejectsBadConfig(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := trainingConfig(t, t.TempDir())
	cfg.UseOffsetNoise = true
	cfg.RescaleSchedule = true
	_, err := Run(backend, cfg, nil)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestSeededNoiseReproducible(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// The in-graph noise stream derives from the configured seed, the same
	// way the training context is set up.
	draw := func(seed int64) *tensors.Tensor {
		ctx := context.New()
		ctx.RngStateFromSeed(seed)
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *graph.Node) *graph.Node {
			return ctx.In("noise").RandomNormal(x.Graph(), shapes.Make(dtypes.Float32, 2, 3))
		})
		return exec.Call(tensors.FromScalar(float32(0)))[0]
	}
	a := draw(17)
	b := draw(17)
	assert.True(t, a.Equal(b))
	c := draw(18)
	assert.False(t, a.Equal(c))
}

func TestLatentDatasetYield(t *testing.T) {
	dir := writeImages(t, 2)
	buckets, err := media.NewBucketSet(32, 32, 8)
	require.NoError(t, err)
	spec, err := datasets.DecodeSpec(map[string]any{
		"type": "image", "image_dir": dir, "prompt": "p",
	})
	require.NoError(t, err)
	adapter, err := datasets.New(spec, &datasets.Options{Buckets: buckets})
	require.NoError(t, err)
	agg, err := datasets.NewAggregate([]datasets.Adapter{adapter}, false)
	require.NoError(t, err)

	encoder := pretrained.NewPoolEncoder(8)
	text := pretrained.NewHashTextEncoder(16)
	ds := newLatentDataset(agg, nil, encoder, text, 100, rand.New(rand.NewSource(1)), false)

	for i := 0; i < 5; i++ { // Iteration wraps around the aggregate.
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 3)
		assert.Empty(t, labels)
		assert.Equal(t, []int{1, 1, 4, 4, 4}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{1}, inputs[1].Shape().Dimensions)
		assert.Equal(t, []int{1, 16}, inputs[2].Shape().Dimensions)
		ts := inputs[1].Value().([]int32)[0]
		assert.GreaterOrEqual(t, ts, int32(0))
		assert.Less(t, ts, int32(100))
	}
	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)

	// Shuffled iteration yields the same shapes across full cycles.
	shuffled := newLatentDataset(agg, nil, encoder, text, 100, rand.New(rand.NewSource(2)), true)
	for i := 0; i < 2*agg.Len(); i++ {
		_, inputs, _, err := shuffled.Yield()
		require.NoError(t, err)
		assert.Equal(t, []int{1, 1, 4, 4, 4}, inputs[0].Shape().Dimensions)
	}
}
