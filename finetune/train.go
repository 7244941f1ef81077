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
	"fmt"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/videotune/datasets"
	"github.com/gomlx/videotune/latentcache"
	"github.com/gomlx/videotune/lora"
	"github.com/gomlx/videotune/media"
	"github.com/gomlx/videotune/pretrained"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Collaborators are the external networks the loop drives. Nil fields get
// the reference stand-ins.
type Collaborators struct {
	Encoder  pretrained.Encoder
	Text     pretrained.TextEncoder
	Denoiser *pretrained.Denoiser
}

// denoiserHidden is the width of the reference denoiser.
const denoiserHidden = 32

// Result summarizes a finished run.
type Result struct {
	Run         *RunDir
	GlobalStep  int64
	Checkpoints int

	// FinalAdapter is the path of the last saved adapter, empty when
	// injection was disabled.
	FinalAdapter string
}

// Run executes the whole fine-tuning flow: setup (datasets, cache, freeze,
// injection, parameter groups), the step loop with periodic validation and
// checkpoints, and the final checkpoint.
func Run(backend backends.Backend, cfg *Config, collab *Collaborators) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	run, err := NewRunDir(cfg)
	if err != nil {
		return nil, err
	}

	if collab == nil {
		collab = &Collaborators{}
	}
	encoder := collab.Encoder
	if encoder == nil {
		encoder = pretrained.NewPoolEncoder(8)
	}
	text := collab.Text
	if text == nil {
		text = pretrained.NewHashTextEncoder(64)
	}

	// Datasets aggregate over buckets divisible by the encoder's spatial
	// downsampling, so every bucket maps to an integral latent resolution.
	buckets, err := media.NewBucketSet(cfg.TargetWidth, cfg.TargetHeight, encoder.SpatialDownsample())
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "bucket set: %v", err)
	}
	specs, err := cfg.DatasetSpecs()
	if err != nil {
		return nil, err
	}
	opts := &datasets.Options{Buckets: buckets, UseBucketing: cfg.UseBucketing}
	adapters := make([]datasets.Adapter, 0, len(specs))
	for _, spec := range specs {
		adapter, err := datasets.New(spec, opts)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, adapter)
	}
	agg, err := datasets.NewAggregate(adapters, cfg.ExtendDatasets)
	if err != nil {
		return nil, err
	}

	// Model context: the denoiser variables, the trainer state and later the
	// adapter factors and optimizer slots all live here.
	ctx := context.New()
	ctx.RngStateFromSeed(cfg.Seed)
	ctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)
	if cfg.MaxGradNorm > 0 {
		ctx.SetParam(optimizers.ParamClipStepByValue, cfg.MaxGradNorm)
	}
	denoiser := collab.Denoiser
	if denoiser == nil {
		denoiser = pretrained.NewDenoiser(ctx, encoder.Channels(), text.Dim(), denoiserHidden, cfg.Seed)
	}
	state := newTrainerState(ctx, cfg.Seed, run)

	// Freeze, then inject: injection re-freezes the wrapped bases and its
	// factors are exempt from the patterns.
	patterns := append(append([]string{}, cfg.TrainableModules...), cfg.TrainableTextModules...)
	lora.ResolveTrainable(ctx, patterns)
	var inj *lora.Injection
	if cfg.LoRA.Enable {
		form, _ := lora.ParseForm(cfg.LoRA.Form)
		kinds := make([]lora.Kind, 0, len(cfg.LoRA.Targets))
		for _, target := range cfg.LoRA.Targets {
			kinds = append(kinds, lora.Kind(target))
		}
		inj, err = lora.Inject(ctx, denoiser.Sites(), &lora.Config{
			Rank:    cfg.LoRA.Rank,
			Alpha:   cfg.LoRA.Alpha,
			Dropout: cfg.LoRA.Dropout,
			Form:    form,
			Kinds:   kinds,
			Seed:    cfg.Seed,
		})
		if err != nil {
			return nil, err
		}
		if cfg.LoRA.Path != "" {
			if err = lora.Load(cfg.LoRA.Path, inj); err != nil {
				return nil, err
			}
		}
	}

	// Latent cache, optionally pre-filled before the first step.
	var cache *latentcache.Cache
	if cfg.CacheLatents {
		dir := cfg.CachedLatentDir
		if dir == "" {
			dir = run.CachedLatents()
		}
		cache, err = latentcache.New(dir)
		if err != nil {
			return nil, err
		}
		encodeFn := func(item *datasets.Item) (*tensors.Tensor, error) {
			return encoder.Encode(item.Frames)
		}
		if err = cache.Prefill(agg, encodeFn, cfg.CacheWorkers); err != nil {
			return nil, err
		}
	}

	schedule, err := NewSchedule(cfg.TrainTimesteps, cfg.BetaStart, cfg.BetaEnd, cfg.RescaleSchedule)
	if err != nil {
		return nil, err
	}
	ds := newLatentDataset(agg, cache, encoder, text, schedule.Timesteps, state.Rng, cfg.Shuffle)

	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{trainStepGraph(ctx, cfg, schedule, denoiser, inj, inputs)}
	}
	lossFn := func(labels, predictions []*Node) *Node { return predictions[0] }
	movingLoss := metrics.NewExponentialMovingAverageMetric(
		"Moving Loss", "~loss", "loss",
		func(ctx *context.Context, labels, predictions []*Node) *Node { return predictions[0] },
		func(t *tensors.Tensor) string { return fmt.Sprintf("%.5f", t.Value()) },
		0.05)

	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn, newOptimizer(cfg),
		[]metrics.Interface{movingLoss}, nil)
	if cfg.GradAccumSteps > 1 {
		if err = trainer.AccumulateGradients(cfg.GradAccumSteps); err != nil {
			return nil, errors.Wrap(err, "configuring gradient accumulation")
		}
	}
	loop := train.NewLoop(trainer)

	result := &Result{Run: run}
	var handler *checkpoints.Handler
	if cfg.SaveFullModel || inj == nil {
		handler, err = checkpoints.Build(ctx).Dir(run.Checkpoints()).Keep(3).Done()
		if err != nil {
			return nil, errors.Wrap(err, "creating checkpoint handler")
		}
	}
	lastCheckpointStep := -1
	saveCheckpoint := func(loop *train.Loop, _ []*tensors.Tensor) error {
		step := loop.LoopStep + 1
		if err := writeCheckpoint(handler, run, inj, step, &result.FinalAdapter); err != nil {
			// Training cannot safely continue when progress cannot persist.
			return err
		}
		lastCheckpointStep = step
		result.Checkpoints++
		return nil
	}
	if cfg.CheckpointingSteps > 0 {
		train.EveryNSteps(loop, cfg.CheckpointingSteps, "checkpoint", 100, saveCheckpoint)
	}

	if cfg.ValidationSteps > 0 {
		sampler := newSampler(backend, ctx, schedule, denoiser, inj, text,
			cfg.NumInferenceSteps, cfg.GuidanceScale, cfg.ValidationSeed)
		factor := encoder.SpatialDownsample()
		train.EveryNSteps(loop, cfg.ValidationSteps, "validation", 80,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				// A failed validation round is skipped, never fatal.
				step := loop.LoopStep + 1
				sampleErr := exceptions.TryCatch[error](func() {
					prompt := cfg.ValidationPrompt
					if prompt == "" {
						prompt = "validation sample"
					}
					latent, err := sampler.Sample(prompt, 1,
						cfg.TargetHeight/factor, cfg.TargetWidth/factor, encoder.Channels())
					if err != nil {
						panic(err)
					}
					path := filepath.Join(run.Samples(), fmt.Sprintf("step_%06d.tensor", step))
					if err := latent.Save(path); err != nil {
						panic(err)
					}
				})
				if sampleErr != nil {
					klog.Warningf("validation at step %d failed, skipping this round: %v", step, sampleErr)
				}
				return nil
			})
	}

	if _, err = loop.RunSteps(ds, cfg.MaxTrainSteps); err != nil {
		return nil, errors.Wrap(err, "training loop")
	}

	// Terminal state: a final checkpoint, unless the last loop step already
	// produced one.
	if lastCheckpointStep != cfg.MaxTrainSteps {
		if err = writeCheckpoint(handler, run, inj, cfg.MaxTrainSteps, &result.FinalAdapter); err != nil {
			return nil, err
		}
		result.Checkpoints++
	}
	result.GlobalStep = state.GlobalStep()
	klog.V(1).Infof("run finished at step %d with %d checkpoints", result.GlobalStep, result.Checkpoints)
	return result, nil
}

// writeCheckpoint persists the trainable state at a step: the full context
// when a handler is attached, and the adapter factors whenever injection is
// active. Both writes are atomic.
func writeCheckpoint(handler *checkpoints.Handler, run *RunDir,
	inj *lora.Injection, step int, finalAdapter *string) error {
	if handler != nil {
		if err := handler.Save(); err != nil {
			return errors.Wrapf(err, "saving checkpoint at step %d", step)
		}
	}
	if inj != nil {
		ext := ".safetensors"
		if inj.Config.Form == lora.FormEmbeddingResidual {
			ext = ".bin"
		}
		path := filepath.Join(run.Checkpoints(), fmt.Sprintf("adapter_step_%06d%s", step, ext))
		if err := lora.Save(path, inj); err != nil {
			return err
		}
		*finalAdapter = path
	}
	return nil
}

// trainStepGraph builds the loss of one step: draw noise (with the optional
// offset augmentation), apply the forward schedule at the batch timesteps,
// predict with the denoiser and average the conditioned and unconditioned
// prediction errors.
func trainStepGraph(ctx *context.Context, cfg *Config, schedule *Schedule,
	denoiser *pretrained.Denoiser, inj *lora.Injection, inputs []*Node) *Node {
	latents, timesteps, embedding := inputs[0], inputs[1], inputs[2]
	g := latents.Graph()

	noise := ctx.In("noise").RandomNormal(g, latents.Shape())
	if cfg.UseOffsetNoise {
		// A per-frame, per-channel offset shared across the spatial axes
		// biases the model toward darker and brighter extremes.
		dims := latents.Shape().Dimensions
		offsetShape := shapes.Make(latents.DType(), dims[0], dims[1], 1, 1, dims[4])
		offset := ctx.In("noise").RandomNormal(g, offsetShape)
		noise = Add(noise, MulScalar(offset, cfg.OffsetNoiseStrength))
	}

	noised := schedule.AddNoise(g, latents, noise, timesteps)
	tFloat := ConvertDType(timesteps, latents.DType())

	conditioned := denoiser.Forward(ctx, g, noised, tFloat, embedding, inj)
	condLoss := ReduceAllMean(Square(Sub(conditioned, noise)))

	unconditioned := denoiser.Forward(ctx, g, noised, tFloat, ZerosLike(embedding), inj)
	uncondLoss := ReduceAllMean(Square(Sub(unconditioned, noise)))

	return MulScalar(Add(condLoss, uncondLoss), 0.5)
}
