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

package finetune

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/videotune/lora"
	"github.com/gomlx/videotune/pretrained"
	"github.com/pkg/errors"
)

// Sampler runs classifier-free-guided reverse diffusion with the current
// model state, for validation: it never updates a parameter and draws its
// noise from its own fixed seed, independent of the training stream.
type Sampler struct {
	schedule *Schedule
	denoiser *pretrained.Denoiser
	inj      *lora.Injection
	text     pretrained.TextEncoder

	steps    int
	guidance float64
	seed     int64

	exec *context.Exec
}

// newSampler builds the sampler and its denoise-step executor.
func newSampler(backend backends.Backend, ctx *context.Context, schedule *Schedule,
	denoiser *pretrained.Denoiser, inj *lora.Injection, text pretrained.TextEncoder,
	steps int, guidance float64, seed int64) *Sampler {
	s := &Sampler{
		schedule: schedule,
		denoiser: denoiser,
		inj:      inj,
		text:     text,
		steps:    steps,
		guidance: guidance,
		seed:     seed,
	}
	s.exec = context.NewExec(backend, ctx, s.denoiseStepGraph)
	return s
}

// denoiseStepGraph performs one guided DDIM step from timestep t to tPrev.
func (s *Sampler) denoiseStepGraph(ctx *context.Context, latents, t, tPrev, embedding *Node) *Node {
	g := latents.Graph()
	tFloat := ConvertDType(t, latents.DType())
	cond := s.denoiser.Forward(ctx, g, latents, tFloat, embedding, s.inj)
	uncond := s.denoiser.Forward(ctx, g, latents, tFloat, ZerosLike(embedding), s.inj)
	eps := Add(uncond, MulScalar(Sub(cond, uncond), s.guidance))

	rank := latents.Rank()
	signal := s.schedule.gather(g, s.schedule.sqrtAC, t, rank)
	sigma := s.schedule.gather(g, s.schedule.sqrtOM, t, rank)
	prevSignal := s.schedule.gather(g, s.schedule.sqrtAC, tPrev, rank)
	prevSigma := s.schedule.gather(g, s.schedule.sqrtOM, tPrev, rank)

	// DDIM: reconstruct x0 from the noise estimate, re-noise to tPrev. The
	// rescaled schedule has zero signal at the terminal timestep, so the
	// denominator is clamped; the reconstruction's numerator vanishes along
	// with the signal, keeping x0 finite.
	x0 := Div(Sub(latents, Mul(sigma, eps)), MaxScalar(signal, 1e-3))
	return Add(Mul(prevSignal, x0), Mul(prevSigma, eps))
}

// Sample generates one latent video of the given shape for the prompt,
// denoising over the configured number of inference steps.
func (s *Sampler) Sample(prompt string, frames, height, width, channels int) (*tensors.Tensor, error) {
	if s.steps < 1 {
		return nil, errors.Wrap(ErrConfiguration, "num_inference_steps must be >= 1")
	}
	embedding, err := s.text.Embed(prompt)
	if err != nil {
		return nil, errors.WithMessagef(err, "embedding validation prompt")
	}
	embedding = batchOfOne(embedding)

	rng := rand.New(rand.NewSource(s.seed))
	data := make([]float32, frames*height*width*channels)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	latents := tensors.FromFlatDataAndDimensions(data, 1, frames, height, width, channels)

	// Timesteps descend from the end of the schedule to zero.
	timesteps := make([]int32, s.steps+1)
	for i := 0; i <= s.steps; i++ {
		timesteps[i] = int32((s.schedule.Timesteps - 1) * (s.steps - i) / s.steps)
	}
	for i := 0; i < s.steps; i++ {
		t := tensors.FromFlatDataAndDimensions([]int32{timesteps[i]}, 1)
		tPrev := tensors.FromFlatDataAndDimensions([]int32{timesteps[i+1]}, 1)
		latents = s.exec.Call(latents, t, tPrev, embedding)[0]
	}
	return latents, nil
}
