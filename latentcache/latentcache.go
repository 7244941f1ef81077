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

// Package latentcache persists encoded latents on disk so the expensive
// encoder pass runs at most once per item per sampling configuration.
//
// The cache key covers everything that changes the encoder's input: the
// item's source identity, its frame sampling parameters and its resolved
// bucket. A changed configuration therefore misses cleanly instead of
// serving stale latents.
package latentcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/videotune/datasets"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// EncodeFn computes the latent tensor for one item. It is only called on a
// cache miss.
type EncodeFn func(item *datasets.Item) (*tensors.Tensor, error)

// Cache is a content-addressed latent store backed by a directory of tensor
// files. Writes are atomic (temp file plus rename), so a crash mid-write
// never leaves a partial entry behind.
type Cache struct {
	dir string

	// mu serializes writers of the same key; distinct keys proceed
	// concurrently during Prefill.
	mu sync.Mutex
}

// New creates the cache directory if needed and opens the cache.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating latent cache directory %q", dir)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Key derives the cache key of an item from its source identity, sampling
// parameters and bucket. Two items agreeing on all of those share latents.
func Key(item *datasets.Item) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|start=%d|step=%d|frames=%d|bucket=%s",
		item.SourceID, item.SampleStartIdx, item.FrameStep, item.NumFrames, item.Bucket)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".tensor")
}

// Lookup loads the cached latents of an item, if present. An unreadable or
// corrupt entry counts as a miss and is removed, so the next Store rewrites
// it.
func (c *Cache) Lookup(item *datasets.Item) (*tensors.Tensor, bool) {
	path := c.entryPath(Key(item))
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	tensor, err := tensors.Load(path)
	if err != nil {
		klog.Warningf("latent cache entry %q is corrupt, discarding: %v", path, err)
		_ = os.Remove(path)
		return nil, false
	}
	return tensor, true
}

// Store writes the latents of an item atomically.
func (c *Cache) Store(item *datasets.Item, latents *tensors.Tensor) error {
	path := c.entryPath(Key(item))
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temp file for latent cache entry %q", path)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	if err = latents.Save(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "saving latent cache entry %q", path)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "committing latent cache entry %q", path)
	}
	return nil
}

// GetOrCompute returns the cached latents of an item, computing and storing
// them on a miss. A failed Store is logged but does not fail the call: the
// computed latents are still good for this step.
func (c *Cache) GetOrCompute(item *datasets.Item, encode EncodeFn) (*tensors.Tensor, error) {
	if latents, ok := c.Lookup(item); ok {
		return latents, nil
	}
	latents, err := encode(item)
	if err != nil {
		return nil, errors.WithMessagef(err, "encoding latents for %q", item.SourceID)
	}
	c.mu.Lock()
	err = c.Store(item, latents)
	c.mu.Unlock()
	if err != nil {
		klog.Warningf("failed to store latents for %q: %v", item.SourceID, err)
	}
	return latents, nil
}

// Prefill encodes and caches every item of the dataset ahead of training,
// running up to parallelism encoders concurrently. Items that fail to load
// or encode fail the whole prefill; partial progress stays cached.
func (c *Cache) Prefill(adapter datasets.Adapter, encode EncodeFn, parallelism int) error {
	if parallelism <= 0 {
		parallelism = 1
	}
	n := adapter.Len()
	bar := progressbar.Default(int64(n), "caching latents")
	var group errgroup.Group
	group.SetLimit(parallelism)
	for i := 0; i < n; i++ {
		i := i
		group.Go(func() error {
			item, err := adapter.At(i)
			if err != nil {
				return errors.WithMessagef(err, "loading item %d of %q", i, adapter.Name())
			}
			if _, err = c.GetOrCompute(item, encode); err != nil {
				return err
			}
			_ = bar.Add(1)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	_ = bar.Finish()
	klog.V(1).Infof("latent cache at %q holds %s", c.dir, humanize.Bytes(c.sizeOnDisk()))
	return nil
}

// sizeOnDisk sums the entry sizes, for logging only.
func (c *Cache) sizeOnDisk() uint64 {
	var total uint64
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if info, err := entry.Info(); err == nil {
			total += uint64(info.Size())
		}
	}
	return total
}
