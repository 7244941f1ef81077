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

// Package lora implements low-rank adaptation: instead of updating a full
// weight matrix W [out, in], training updates a residual up·down of two small
// factors, up [out, rank] and down [rank, in], leaving W frozen.
//
// Injection targets are not found by matching implementation type names.
// Models declare their adaptable layers explicitly as Wrappable sites at
// construction time, each tagged with a Kind; the injector selects sites by
// kind. This keeps target selection checkable: a configuration that matches
// no site fails loudly with ErrNoMatch.
package lora

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNoMatch indicates an injection configuration that selected zero
	// sites, a likely misconfiguration. Fatal at setup.
	ErrNoMatch = errors.New("no wrappable site matches the configured target kinds")

	// ErrInvalidRank indicates a rank outside (0, min(in, out)].
	ErrInvalidRank = errors.New("invalid low-rank adaptation rank")

	// ErrTopologyMismatch indicates a serialized adapter whose sites are
	// absent from the model being loaded into.
	ErrTopologyMismatch = errors.New("adapter does not match model topology")
)

// Kind tags the role of a wrappable layer. Injection configurations select
// sites by kind.
type Kind string

const (
	KindLinear    Kind = "linear"
	KindConv      Kind = "conv"
	KindAttention Kind = "attention"
	KindEmbedding Kind = "embedding"
)

// Form selects one of the two incompatible adapter layouts. AdditiveDelta
// folds up·down into the wrapped weight matrix and serializes in a layout
// third-party inference front-ends load directly; EmbeddingResidual adds the
// low-rank product to activations instead and only this package's loader (or
// a compatible viewer) reads it back.
type Form string

const (
	FormAdditiveDelta     Form = "additive_delta"
	FormEmbeddingResidual Form = "embedding_residual"
)

// ParseForm validates a configuration string.
func ParseForm(s string) (Form, error) {
	switch Form(s) {
	case FormAdditiveDelta, FormEmbeddingResidual:
		return Form(s), nil
	}
	return "", errors.Errorf("unknown adapter form %q, valid forms are %q and %q",
		s, FormAdditiveDelta, FormEmbeddingResidual)
}

// Wrappable declares one adaptable layer of a model: the absolute context
// scope holding its weight variable, its kind, and the weight's [out, in]
// dimensions.
type Wrappable struct {
	Kind Kind

	// Scope is the absolute context scope of the layer; the wrapped weight
	// variable lives there under WeightName.
	Scope string

	// In and Out are the features of the wrapped weight, shaped [Out, In].
	In, Out int
}

// WeightName is the variable name of a wrapped weight inside its site scope.
const WeightName = "weights"

// Low-rank factor variable names inside a site scope. The freeze controller
// recognizes the prefix and never touches them.
const (
	downName = "lora_down"
	upName   = "lora_up"
)

// Config drives an injection.
type Config struct {
	// Rank of the factors. For FormAdditiveDelta it must satisfy
	// 0 < Rank <= min(in, out) at every selected site.
	Rank int

	// Alpha scales the residual by Alpha/Rank, so changing the rank does not
	// change the residual's initial magnitude.
	Alpha float64

	// Dropout rate applied to the residual path during training.
	Dropout float64

	// Form of the adapter.
	Form Form

	// Kinds selects which wrappable sites to adapt.
	Kinds []Kind

	// Seed for the down-factor initialization.
	Seed int64
}

// Site is one injected adaptation: the wrappable it adapts plus its factor
// variables.
type Site struct {
	Wrappable
	Base, Down, Up *context.Variable
}

// Injection is the result of injecting adapters into a model.
type Injection struct {
	Config Config
	Sites  []*Site
}

// Inject selects the wrappable sites matching cfg.Kinds, freezes each site's
// base weight, and creates trainable factor pairs: down [rank, in] with a
// scaled normal initialization and up [out, rank] with zeros, so the residual
// starts at exactly zero and the adapted model is initially identical to the
// base.
func Inject(ctx *context.Context, sites []Wrappable, cfg *Config) (*Injection, error) {
	wanted := make(map[Kind]bool, len(cfg.Kinds))
	for _, kind := range cfg.Kinds {
		wanted[kind] = true
	}
	inj := &Injection{Config: *cfg}
	for _, site := range sites {
		if !wanted[site.Kind] {
			continue
		}
		injected, err := injectSite(ctx, site, cfg)
		if err != nil {
			return nil, err
		}
		inj.Sites = append(inj.Sites, injected)
	}
	if len(inj.Sites) == 0 {
		return nil, errors.Wrapf(ErrNoMatch, "target kinds %v over %d declared sites", cfg.Kinds, len(sites))
	}
	klog.V(1).Infof("injected %d adapters (form=%s, rank=%d, alpha=%g)",
		len(inj.Sites), cfg.Form, cfg.Rank, cfg.Alpha)
	return inj, nil
}

func injectSite(ctx *context.Context, site Wrappable, cfg *Config) (*Site, error) {
	if cfg.Rank <= 0 {
		return nil, errors.Wrapf(ErrInvalidRank, "rank %d at %q", cfg.Rank, site.Scope)
	}
	if cfg.Form == FormAdditiveDelta {
		if limit := min(site.In, site.Out); cfg.Rank > limit {
			return nil, errors.Wrapf(ErrInvalidRank,
				"rank %d exceeds min(in=%d, out=%d) at %q", cfg.Rank, site.In, site.Out, site.Scope)
		}
	}
	scoped := ctx.InAbsPath(site.Scope)
	base := ctx.InspectVariable(site.Scope, WeightName)
	if base == nil {
		return nil, errors.Wrapf(ErrTopologyMismatch, "site %q has no %q variable", site.Scope, WeightName)
	}
	base.SetTrainable(false)

	down := scoped.VariableWithValue(downName, downInit(cfg, site))
	down.SetTrainable(true)
	up := scoped.VariableWithValue(upName,
		tensors.FromShape(shapes.Make(dtypes.Float32, site.Out, cfg.Rank)))
	up.SetTrainable(true)
	return &Site{Wrappable: site, Base: base, Down: down, Up: up}, nil
}

// downInit builds the down factor [rank, in] with a normal initialization of
// stddev 1/rank. The seed mixes the site scope so every site starts
// different, while the whole injection stays reproducible.
func downInit(cfg *Config, site Wrappable) *tensors.Tensor {
	digest := sha256.Sum256([]byte(site.Scope))
	seed := cfg.Seed ^ int64(binary.LittleEndian.Uint64(digest[:8]))
	rng := rand.New(rand.NewSource(seed))
	stddev := 1.0 / float64(cfg.Rank)
	data := make([]float32, cfg.Rank*site.In)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * stddev)
	}
	return tensors.FromFlatDataAndDimensions(data, cfg.Rank, site.In)
}

// scale is the residual multiplier alpha/rank.
func (inj *Injection) scale() float64 {
	return inj.Config.Alpha / float64(inj.Config.Rank)
}

// Site returns the injected site at the given scope, or nil.
func (inj *Injection) Site(scope string) *Site {
	for _, site := range inj.Sites {
		if site.Scope == scope {
			return site
		}
	}
	return nil
}

// AdaptedWeights builds the effective weight matrix of a site for the current
// graph: StopGradient(W) + up·down·(alpha/rank). Only the factors receive
// gradients.
func (inj *Injection) AdaptedWeights(g *graph.Graph, site *Site) *graph.Node {
	base := graph.StopGradient(site.Base.ValueGraph(g))
	delta := graph.MatMul(site.Up.ValueGraph(g), site.Down.ValueGraph(g))
	return graph.Add(base, graph.MulScalar(delta, inj.scale()))
}

// Residual builds the activation-path residual of a site: x·downᵀ·upᵀ scaled
// by alpha/rank, for the embedding-residual form where the base weight is
// never touched.
func (inj *Injection) Residual(g *graph.Graph, site *Site, x *graph.Node) *graph.Node {
	down := graph.Transpose(site.Down.ValueGraph(g), 0, 1) // [in, rank]
	up := graph.Transpose(site.Up.ValueGraph(g), 0, 1)     // [rank, out]
	return graph.MulScalar(graph.MatMul(graph.MatMul(x, down), up), inj.scale())
}
