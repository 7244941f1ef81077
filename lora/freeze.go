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

package lora

import (
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"k8s.io/klog/v2"
)

// TrainAll is the pattern that marks every base variable trainable.
const TrainAll = "all"

// ResolveTrainable applies the trainable-module patterns to every base
// variable in the context: a variable becomes trainable when its scope
// contains any pattern as a substring, frozen otherwise. TrainAll marks
// everything trainable.
//
// Adapter factor variables are never touched: once injected they stay
// trainable regardless of the patterns, so freezing a wrapped layer's base
// weight does not freeze its residual.
//
// Returns the number of trainable and frozen variables, for logging.
func ResolveTrainable(ctx *context.Context, patterns []string) (trainable, frozen int) {
	all := false
	for _, pattern := range patterns {
		if pattern == TrainAll {
			all = true
		}
	}
	ctx.EnumerateVariables(func(v *context.Variable) {
		if isAdapterVariable(v.Name()) {
			return
		}
		on := all || matchesAny(v.Scope(), patterns)
		v.SetTrainable(on)
		if on {
			trainable++
		} else {
			frozen++
		}
	})
	klog.V(1).Infof("trainable-module patterns %v: %d variables trainable, %d frozen",
		patterns, trainable, frozen)
	return
}

func isAdapterVariable(name string) bool {
	return strings.HasPrefix(name, "lora_")
}

func matchesAny(scope string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == "" || pattern == TrainAll {
			continue
		}
		if strings.Contains(scope, pattern) {
			return true
		}
	}
	return false
}
