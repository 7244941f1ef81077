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

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// StateScope is the context scope holding the trainer's own state variables,
// so they persist and restore with the model checkpoint.
const StateScope = "/trainer_state"

// TrainerState carries the mutable training state explicitly instead of as
// ambient process state: the step counter lives in the context (shared with
// the optimizer), the seed is stored as a context variable, and the
// host-side RNG for timestep draws is re-derived from (seed, step) so a
// resumed run continues the same stream.
type TrainerState struct {
	ctx *context.Context

	// Seed of the run.
	Seed int64

	// Rng draws per-step timesteps and any other host-side randomness.
	Rng *rand.Rand

	run *RunDir
}

// newTrainerState installs or restores the state variables in ctx. When the
// context was loaded from a checkpoint the stored seed wins over the
// configured one.
func newTrainerState(ctx *context.Context, seed int64, run *RunDir) *TrainerState {
	seedVar := ctx.InAbsPath(StateScope).VariableWithValue("seed", seed)
	seedVar.SetTrainable(false)
	stored := seedVar.Value().Value().(int64)
	state := &TrainerState{ctx: ctx, Seed: stored, run: run}
	state.Rng = rand.New(rand.NewSource(stored ^ state.GlobalStep()))
	return state
}

// GlobalStep is the optimizer's step counter, zero before the first step.
func (state *TrainerState) GlobalStep() int64 {
	return optimizers.GetGlobalStep(state.ctx)
}

// RunDir of this training run.
func (state *TrainerState) RunDir() *RunDir { return state.run }
