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
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"k8s.io/klog/v2"
)

// groupedOptimizer applies per-group learning-rate and weight-decay
// overrides: each group owns an Adam instance (with its own moments, under
// its own scope) that updates only the trainable variables whose scope
// matches the group's patterns; a default Adam updates the rest.
//
// Each inner optimizer increments the shared global step, so after all
// groups run the counter is rewritten to a single increment per train step.
type groupedOptimizer struct {
	groups     []optimizerGroup
	defaultOpt optimizers.Interface
}

type optimizerGroup struct {
	name     string
	patterns []string
	opt      optimizers.Interface
}

// newOptimizer builds the optimizer for the configuration: a plain Adam when
// no group overrides exist, a groupedOptimizer otherwise.
func newOptimizer(cfg *Config) optimizers.Interface {
	defaultOpt := optimizers.Adam().
		LearningRate(cfg.LearningRate).
		WeightDecay(cfg.WeightDecay).
		Done()
	if len(cfg.Groups) == 0 {
		return defaultOpt
	}
	grouped := &groupedOptimizer{defaultOpt: defaultOpt}
	for _, group := range cfg.Groups {
		lr := group.LearningRate
		if lr == 0 {
			lr = cfg.LearningRate
		}
		wd := group.WeightDecay
		if wd == 0 {
			wd = cfg.WeightDecay
		}
		grouped.groups = append(grouped.groups, optimizerGroup{
			name:     group.Name,
			patterns: group.Patterns,
			opt: optimizers.Adam().
				Scope("adam_" + group.Name).
				LearningRate(lr).
				WeightDecay(wd).
				Done(),
		})
	}
	klog.V(1).Infof("optimizer with %d parameter groups plus default", len(grouped.groups))
	return grouped
}

// UpdateGraph implements optimizers.Interface. It temporarily narrows the
// trainable set to one group at a time and lets that group's Adam update it.
func (o *groupedOptimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	trainable := map[*context.Variable]bool{}
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			trainable[v] = true
		}
	})

	assigned := map[*context.Variable]int{} // Variable to group index, -1 default.
	for v := range trainable {
		assigned[v] = -1
		for i, group := range o.groups {
			if matchesGroup(v.Scope(), group.patterns) {
				assigned[v] = i
				break
			}
		}
	}

	gsVar := optimizers.GetGlobalStepVar(ctx)
	before := gsVar.ValueGraph(g)

	runGroup := func(idx int, opt optimizers.Interface) {
		hasMembers := false
		for v, gi := range assigned {
			v.SetTrainable(gi == idx)
			if gi == idx {
				hasMembers = true
			}
		}
		if hasMembers {
			opt.UpdateGraph(ctx, g, loss)
		}
	}
	for i, group := range o.groups {
		runGroup(i, group.opt)
	}
	runGroup(-1, o.defaultOpt)

	// Restore the trainable set and collapse the step increments.
	for v := range assigned {
		v.SetTrainable(true)
	}
	gsVar.SetValueGraph(OnePlus(before))
}

// Clear implements optimizers.Interface.
func (o *groupedOptimizer) Clear(ctx *context.Context) {
	for _, group := range o.groups {
		group.opt.Clear(ctx)
	}
	o.defaultOpt.Clear(ctx)
}

func matchesGroup(scope string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(scope, pattern) {
			return true
		}
	}
	return false
}
