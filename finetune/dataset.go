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
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/videotune/datasets"
	"github.com/gomlx/videotune/latentcache"
	"github.com/gomlx/videotune/pretrained"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// latentDataset adapts the aggregated media items to the gomlx train.Dataset
// contract. Each yield is one item: latents (from the cache when enabled,
// the encoder otherwise), a uniformly drawn training timestep and the text
// embedding of the item's prompt.
//
// Iteration is cyclic and endless, as the loop runs by step count. Items
// whose frame sampling runs past the source length are skipped with a
// warning; a full cycle of skips means no item is usable and surfaces as an
// error.
type latentDataset struct {
	agg       datasets.Adapter
	cache     *latentcache.Cache
	encoder   pretrained.Encoder
	text      pretrained.TextEncoder
	timesteps int
	rng       *rand.Rand
	shuffle   bool

	mu    sync.Mutex
	next  int
	order []int
}

func newLatentDataset(agg datasets.Adapter, cache *latentcache.Cache,
	encoder pretrained.Encoder, text pretrained.TextEncoder,
	timesteps int, rng *rand.Rand, shuffle bool) *latentDataset {
	return &latentDataset{
		agg:       agg,
		cache:     cache,
		encoder:   encoder,
		text:      text,
		timesteps: timesteps,
		rng:       rng,
		shuffle:   shuffle,
	}
}

// Name implements train.Dataset.
func (ds *latentDataset) Name() string { return ds.agg.Name() }

// Reset implements train.Dataset.
func (ds *latentDataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}

// Yield implements train.Dataset.
func (ds *latentDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	n := ds.agg.Len()
	for attempts := 0; attempts < n; attempts++ {
		i := ds.next % n
		ds.next++
		if ds.shuffle {
			// A fresh permutation at each cycle boundary.
			if i == 0 || ds.order == nil {
				ds.order = ds.rng.Perm(n)
			}
			i = ds.order[i]
		}
		item, itemErr := ds.agg.At(i)
		if itemErr != nil {
			if errors.Is(itemErr, datasets.ErrOutOfRange) {
				klog.Warningf("skipping item %d: %v", i, itemErr)
				continue
			}
			return nil, nil, nil, itemErr
		}
		latents, encErr := ds.latents(item)
		if encErr != nil {
			return nil, nil, nil, encErr
		}
		embedding, embErr := ds.text.Embed(item.Prompt)
		if embErr != nil {
			return nil, nil, nil, errors.WithMessagef(embErr, "embedding prompt of %q", item.SourceID)
		}
		timestep := tensors.FromFlatDataAndDimensions(
			[]int32{int32(ds.rng.Intn(ds.timesteps))}, 1)
		return nil, []*tensors.Tensor{
			batchOfOne(latents),
			timestep,
			batchOfOne(embedding),
		}, nil, nil
	}
	return nil, nil, nil, errors.Wrapf(datasets.ErrEmptyDataset,
		"all %d items of %q failed to load", n, ds.agg.Name())
}

func (ds *latentDataset) latents(item *datasets.Item) (*tensors.Tensor, error) {
	encode := func(item *datasets.Item) (*tensors.Tensor, error) {
		return ds.encoder.Encode(item.Frames)
	}
	if ds.cache != nil {
		return ds.cache.GetOrCompute(item, encode)
	}
	latents, err := encode(item)
	if err != nil {
		return nil, errors.WithMessagef(err, "encoding latents for %q", item.SourceID)
	}
	return latents, nil
}

// batchOfOne prepends a batch axis of size 1.
func batchOfOne(t *tensors.Tensor) *tensors.Tensor {
	dims := append([]int{1}, t.Shape().Dimensions...)
	return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](t), dims...)
}
