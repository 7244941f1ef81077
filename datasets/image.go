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

package datasets

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gomlx/videotune/media"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Image is the still-image dataset: every image file in a directory becomes a
// 1-frame item. Stills mix freely with video items downstream because an
// item's frame count is part of its shape, not of the adapter contract.
type Image struct {
	spec  *Spec
	opts  *Options
	files []string
}

// NewImage validates the locator and enumerates the image files (sorted, so
// indices are stable across runs).
func NewImage(spec *Spec, opts *Options) (*Image, error) {
	if spec.ImageDir == "" {
		return nil, errors.Wrap(ErrConfiguration, "image dataset requires image_dir")
	}
	entries, err := os.ReadDir(spec.ImageDir)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "image_dir %q: %v", spec.ImageDir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if media.IsStillImage(entry.Name()) {
			files = append(files, filepath.Join(spec.ImageDir, entry.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.Wrapf(ErrEmptyDataset, "no image files in %q", spec.ImageDir)
	}
	klog.V(1).Infof("image dataset %q: %d images", spec.ImageDir, len(files))
	return &Image{spec: spec, opts: opts, files: files}, nil
}

// Name implements Adapter.
func (ds *Image) Name() string { return "image" }

// Len implements Adapter.
func (ds *Image) Len() int { return len(ds.files) }

// At implements Adapter. Items are always single-frame, whatever
// n_sample_frames says.
func (ds *Image) At(i int) (*Item, error) {
	if err := checkIndex(i, len(ds.files), ds.Name()); err != nil {
		return nil, err
	}
	path := ds.files[i]
	src, err := ds.opts.opener()(path)
	if err != nil {
		return nil, err
	}
	prompt := ds.imagePrompt(path)
	return loadItem(src, prompt, 0, 1, 1, ds.opts)
}

// imagePrompt resolves the caption for one image: sidecar caption when
// enabled, else the shared prompt, else the file name.
func (ds *Image) imagePrompt(path string) string {
	if prompt := sidecarPrompt(path, ds.spec); prompt != "" {
		return prompt
	}
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
