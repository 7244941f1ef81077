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
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Schedule holds the forward diffusion schedule: per-timestep betas and the
// derived cumulative alpha products.
type Schedule struct {
	Timesteps      int
	Betas          []float64
	AlphasCumprod  []float64
	sqrtAC, sqrtOM []float32
}

// NewSchedule builds a scaled-linear beta schedule over the given timesteps,
// optionally rescaled so the terminal signal-to-noise ratio is exactly zero
// (the last timestep carries pure noise, which keeps training and inference
// consistent at high noise levels).
func NewSchedule(timesteps int, betaStart, betaEnd float64, rescaleZeroSNR bool) (*Schedule, error) {
	if timesteps < 2 {
		return nil, errors.Wrapf(ErrConfiguration, "schedule needs at least 2 timesteps, got %d", timesteps)
	}
	if betaStart <= 0 || betaEnd <= betaStart || betaEnd >= 1 {
		return nil, errors.Wrapf(ErrConfiguration, "schedule needs 0 < beta_start < beta_end < 1, got %g and %g",
			betaStart, betaEnd)
	}
	betas := make([]float64, timesteps)
	sqrtStart, sqrtEnd := math.Sqrt(betaStart), math.Sqrt(betaEnd)
	for t := range betas {
		b := sqrtStart + (sqrtEnd-sqrtStart)*float64(t)/float64(timesteps-1)
		betas[t] = b * b
	}
	if rescaleZeroSNR {
		betas = enforceZeroTerminalSNR(betas)
	}
	s := &Schedule{Timesteps: timesteps, Betas: betas}
	s.AlphasCumprod = make([]float64, timesteps)
	s.sqrtAC = make([]float32, timesteps)
	s.sqrtOM = make([]float32, timesteps)
	cumprod := 1.0
	for t, beta := range betas {
		cumprod *= 1 - beta
		s.AlphasCumprod[t] = cumprod
		s.sqrtAC[t] = float32(math.Sqrt(cumprod))
		s.sqrtOM[t] = float32(math.Sqrt(1 - cumprod))
	}
	return s, nil
}

// enforceZeroTerminalSNR shifts and rescales the cumulative alphas so the
// last timestep has zero SNR while the first keeps its value, then recovers
// the betas from the adjusted products.
func enforceZeroTerminalSNR(betas []float64) []float64 {
	n := len(betas)
	sqrtAC := make([]float64, n)
	cumprod := 1.0
	for t, beta := range betas {
		cumprod *= 1 - beta
		sqrtAC[t] = math.Sqrt(cumprod)
	}
	first, last := sqrtAC[0], sqrtAC[n-1]
	for t := range sqrtAC {
		sqrtAC[t] = (sqrtAC[t] - last) * first / (first - last)
	}
	adjusted := make([]float64, n)
	prev := 1.0
	for t := range sqrtAC {
		ac := sqrtAC[t] * sqrtAC[t]
		adjusted[t] = 1 - ac/prev
		prev = ac
	}
	return adjusted
}

// SNR is the signal-to-noise ratio at a timestep.
func (s *Schedule) SNR(t int) float64 {
	ac := s.AlphasCumprod[t]
	return ac / (1 - ac)
}

// AddNoise builds the forward diffusion step in-graph:
// sqrt(ac_t)*latents + sqrt(1-ac_t)*noise, with ac_t gathered per batch
// element from the schedule tables. timesteps is an Int32 [batch] node;
// latents and noise share shape [batch, ...].
func (s *Schedule) AddNoise(g *Graph, latents, noise, timesteps *Node) *Node {
	signal := s.gather(g, s.sqrtAC, timesteps, latents.Rank())
	sigma := s.gather(g, s.sqrtOM, timesteps, latents.Rank())
	return Add(Mul(signal, latents), Mul(sigma, noise))
}

// gather reads a schedule table at the batch timesteps and appends size-1
// axes so the result broadcasts over a rank-dimensional batch tensor.
func (s *Schedule) gather(g *Graph, table []float32, timesteps *Node, rank int) *Node {
	tableNode := Const(g, tensors.FromFlatDataAndDimensions(table, s.Timesteps))
	values := Gather(tableNode, InsertAxes(timesteps, -1))
	axes := make([]int, rank-1)
	for i := range axes {
		axes[i] = -1
	}
	return InsertAxes(values, axes...)
}
