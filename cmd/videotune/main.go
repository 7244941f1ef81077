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

// videotune fine-tunes a text-to-video diffusion model from a JSON
// configuration file: it aggregates the configured datasets, optionally
// caches latents, injects low-rank adapters and runs the training loop with
// periodic validation sampling and checkpoints.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/videotune/finetune"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig    = flag.String("config", "config.json", "Path of the training configuration file.")
	flagOutputDir = flag.String("output", "", "Override the configured output directory.")
	flagSteps     = flag.Int("steps", 0, "Override the configured number of training steps.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(finetune.LoadConfig(*flagConfig))
	if *flagOutputDir != "" {
		cfg.OutputDir = *flagOutputDir
	}
	if *flagSteps > 0 {
		cfg.MaxTrainSteps = *flagSteps
	}

	backend := backends.MustNew()
	defer backend.Finalize()

	result, err := finetune.Run(backend, cfg, nil)
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	fmt.Printf("Finished at step %d with %d checkpoints in %s\n",
		result.GlobalStep, result.Checkpoints, result.Run.Root)
	if result.FinalAdapter != "" {
		fmt.Printf("Final adapter: %s\n", result.FinalAdapter)
	}
}
