package pretrained

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/videotune/lora"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolEncoder(t *testing.T) {
	enc := NewPoolEncoder(8)
	frames := tensors.FromFlatDataAndDimensions(make([]float32, 2*16*24*3), 2, 16, 24, 3)

	latent, err := enc.Encode(frames)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3, 4}, latent.Shape().Dimensions)

	// Pure: identical frames yield identical latents.
	again, err := enc.Encode(frames)
	require.NoError(t, err)
	assert.True(t, latent.Equal(again))

	// Constant +1 frames mean-pool to +1 per RGB channel and luminance.
	ones := make([]float32, 16*16*3)
	for i := range ones {
		ones[i] = 1
	}
	latent, err = enc.Encode(tensors.FromFlatDataAndDimensions(ones, 1, 16, 16, 3))
	require.NoError(t, err)
	tensors.ConstFlatData[float32](latent, func(flat []float32) {
		for _, v := range flat {
			assert.InDelta(t, 1.0, v, 1e-5)
		}
	})

	// Wrong rank and non-divisible resolutions fail.
	_, err = enc.Encode(tensors.FromFlatDataAndDimensions(make([]float32, 12), 4, 3))
	require.Error(t, err)
	_, err = enc.Encode(tensors.FromFlatDataAndDimensions(make([]float32, 10*10*3), 1, 10, 10, 3))
	require.Error(t, err)
}

func TestHashTextEncoder(t *testing.T) {
	enc := NewHashTextEncoder(64)
	a, err := enc.Embed("a cat")
	require.NoError(t, err)
	assert.Equal(t, []int{64}, a.Shape().Dimensions)

	again, err := enc.Embed("a cat")
	require.NoError(t, err)
	assert.True(t, a.Equal(again))

	b, err := enc.Embed("a dog")
	require.NoError(t, err)
	assert.False(t, a.Equal(b))
}

func TestDenoiserForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	m := NewDenoiser(ctx, 4, 16, 8, 42)
	require.Len(t, m.Sites(), 5)

	exec := context.NewExec(backend, ctx,
		func(ctx *context.Context, noised, timesteps, textEmb *graph.Node) *graph.Node {
			return m.Forward(ctx, noised.Graph(), noised, timesteps, textEmb, nil)
		})
	noised := tensors.FromFlatDataAndDimensions(make([]float32, 1*2*4*4*4), 1, 2, 4, 4, 4)
	timesteps := tensors.FromFlatDataAndDimensions([]float32{500}, 1)
	textEmb := tensors.FromFlatDataAndDimensions(make([]float32, 16), 1, 16)

	pred := exec.Call(noised, timesteps, textEmb)[0]
	assert.Equal(t, noised.Shape().Dimensions, pred.Shape().Dimensions)

	// A fresh injection has zero residuals, so the adapted forward pass
	// matches the base network exactly.
	inj, err := lora.Inject(ctx, m.Sites(), &lora.Config{
		Rank: 2, Alpha: 2, Form: lora.FormAdditiveDelta,
		Kinds: []lora.Kind{lora.KindLinear, lora.KindAttention}, Seed: 1,
	})
	require.NoError(t, err)
	adaptedExec := context.NewExec(backend, ctx,
		func(ctx *context.Context, noised, timesteps, textEmb *graph.Node) *graph.Node {
			return m.Forward(ctx, noised.Graph(), noised, timesteps, textEmb, inj)
		})
	adapted := adaptedExec.Call(noised, timesteps, textEmb)[0]
	assert.True(t, pred.InDelta(adapted, 1e-5))
}
