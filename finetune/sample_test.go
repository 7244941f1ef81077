package finetune

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/videotune/pretrained"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireAllFinite(t *testing.T, tensor *tensors.Tensor) {
	tensors.ConstFlatData[float32](tensor, func(flat []float32) {
		for i, v := range flat {
			require.Falsef(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0),
				"value %d is %v", i, v)
		}
	})
}

func TestSamplerFiniteWithRescaledSchedule(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// The rescaled schedule has exactly zero signal at its terminal timestep,
	// where sampling starts.
	schedule, err := NewSchedule(1000, 0.00085, 0.012, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, schedule.AlphasCumprod[999], 1e-9)

	ctx := context.New()
	text := pretrained.NewHashTextEncoder(16)
	denoiser := pretrained.NewDenoiser(ctx, 4, text.Dim(), 16, 7)
	sampler := newSampler(backend, ctx, schedule, denoiser, nil, text, 3, 9, 11)

	latent, err := sampler.Sample("a quiet landscape", 1, 4, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 4, 4, 4}, latent.Shape().Dimensions)
	requireAllFinite(t, latent)
}

func TestSamplerDeterministicSeed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	schedule, err := NewSchedule(1000, 0.00085, 0.012, false)
	require.NoError(t, err)

	ctx := context.New()
	text := pretrained.NewHashTextEncoder(16)
	denoiser := pretrained.NewDenoiser(ctx, 4, text.Dim(), 16, 7)

	a, err := newSampler(backend, ctx, schedule, denoiser, nil, text, 2, 9, 11).
		Sample("a quiet landscape", 1, 4, 4, 4)
	require.NoError(t, err)
	b, err := newSampler(backend, ctx, schedule, denoiser, nil, text, 2, 9, 11).
		Sample("a quiet landscape", 1, 4, 4, 4)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	requireAllFinite(t, a)
}
