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

package pretrained

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/videotune/lora"
)

// Denoiser is the reference denoising network: a per-position channel MLP
// with timestep and text conditioning, declaring its adaptable layers as
// wrappable sites. It predicts noise with the same shape as its latent input.
//
// The layer roster mirrors the blocks of a real video UNet that adapters
// usually target: input/output projections, an attention projection and a
// temporal mixing layer.
type Denoiser struct {
	LatentChannels, EmbedDim, Hidden int

	sites []lora.Wrappable
}

// DenoiserScope is the context scope holding all denoiser variables.
const DenoiserScope = "/denoiser"

// NewDenoiser creates the denoiser variables in ctx under DenoiserScope with
// a reproducible initialization, and declares the wrappable sites.
func NewDenoiser(ctx *context.Context, latentChannels, embedDim, hidden int, seed int64) *Denoiser {
	m := &Denoiser{LatentChannels: latentChannels, EmbedDim: embedDim, Hidden: hidden}
	m.sites = []lora.Wrappable{
		{Kind: lora.KindLinear, Scope: DenoiserScope + "/in_proj", In: latentChannels, Out: hidden},
		{Kind: lora.KindEmbedding, Scope: DenoiserScope + "/text_proj", In: embedDim, Out: hidden},
		{Kind: lora.KindAttention, Scope: DenoiserScope + "/attn", In: hidden, Out: hidden},
		{Kind: lora.KindConv, Scope: DenoiserScope + "/temporal", In: hidden, Out: hidden},
		{Kind: lora.KindLinear, Scope: DenoiserScope + "/out_proj", In: hidden, Out: latentChannels},
	}
	for _, site := range m.sites {
		ctx.InAbsPath(site.Scope).
			VariableWithValue(lora.WeightName, denoiserInit(site, seed)).
			SetTrainable(true)
	}
	return m
}

// denoiserInit builds a [out, in] weight with a scaled normal initialization,
// seeded per scope so the network is reproducible.
func denoiserInit(site lora.Wrappable, seed int64) *tensors.Tensor {
	digest := sha256.Sum256([]byte(site.Scope))
	rng := rand.New(rand.NewSource(seed ^ int64(binary.LittleEndian.Uint64(digest[:8]))))
	stddev := 1.0 / float64(site.In)
	data := make([]float32, site.Out*site.In)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * stddev)
	}
	return tensors.FromFlatDataAndDimensions(data, site.Out, site.In)
}

// Sites returns the wrappable layer declarations for injection.
func (m *Denoiser) Sites() []lora.Wrappable { return m.sites }

// weight resolves a layer's effective weight node: the adapted weights when
// an additive-delta adapter is injected at the scope, the frozen base
// otherwise.
func (m *Denoiser) weight(ctx *context.Context, g *Graph, scope string, inj *lora.Injection) *Node {
	if inj != nil && inj.Config.Form == lora.FormAdditiveDelta {
		if site := inj.Site(scope); site != nil {
			return inj.AdaptedWeights(g, site)
		}
	}
	return ctx.InspectVariable(scope, lora.WeightName).ValueGraph(g)
}

// apply runs x through a layer: x [.., in] times the [out, in] weight, plus
// the activation residual when an embedding-residual adapter is injected at
// the scope.
func (m *Denoiser) apply(ctx *context.Context, g *Graph, scope string, inj *lora.Injection, x *Node) *Node {
	w := m.weight(ctx, g, scope, inj)
	out := MatMul(x, Transpose(w, 0, 1))
	if inj != nil && inj.Config.Form == lora.FormEmbeddingResidual {
		if site := inj.Site(scope); site != nil {
			out = Add(out, inj.Residual(g, site, x))
		}
	}
	return out
}

// Forward predicts the noise of a batch of noised latents.
//
// Shapes: noised [batch, frames, height, width, channels], timesteps [batch]
// float32, textEmb [batch, embedDim]. The returned prediction has the shape
// of noised. inj may be nil for the unadapted network.
func (m *Denoiser) Forward(ctx *context.Context, g *Graph, noised, timesteps, textEmb *Node, inj *lora.Injection) *Node {
	dims := noised.Shape().Dimensions
	batch, frames, height, width := dims[0], dims[1], dims[2], dims[3]
	positions := frames * height * width

	x := Reshape(noised, batch, positions, m.LatentChannels)
	h := m.apply(ctx, g, DenoiserScope+"/in_proj", inj, x)

	// Timestep conditioning, broadcast over positions and hidden.
	tScaled := MulScalar(timesteps, 1e-3)
	h = Add(h, InsertAxes(tScaled, -1, -1))

	// Text conditioning, broadcast over positions.
	text := m.apply(ctx, g, DenoiserScope+"/text_proj", inj, textEmb)
	h = Add(h, InsertAxes(text, 1))
	h = Tanh(h)

	h = Add(h, m.apply(ctx, g, DenoiserScope+"/attn", inj, h))
	h = Add(h, m.apply(ctx, g, DenoiserScope+"/temporal", inj, h))
	h = Tanh(h)

	out := m.apply(ctx, g, DenoiserScope+"/out_proj", inj, h)
	return Reshape(out, batch, frames, height, width, m.LatentChannels)
}
