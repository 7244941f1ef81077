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

// videoExtensions recognized by the folder and json datasets.
var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true, ".m4v": true,
}

// Folder is the one-video-per-item dataset: every video file in a directory,
// each optionally paired with a same-named ".txt" caption. Unlike the other
// video datasets its stride is derived from the configured fps and the
// source's own frame rate, not a fixed frame_step.
type Folder struct {
	spec  *Spec
	opts  *Options
	files []string
}

// NewFolder validates the locator, enumerates the video files (sorted, so
// indices are stable across runs) and builds the adapter.
func NewFolder(spec *Spec, opts *Options) (*Folder, error) {
	if spec.Path == "" {
		return nil, errors.Wrap(ErrConfiguration, "folder dataset requires path")
	}
	entries, err := os.ReadDir(spec.Path)
	if err != nil {
		return nil, errors.Wrapf(ErrNotFound, "folder dataset path %q: %v", spec.Path, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if videoExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(spec.Path, entry.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.Wrapf(ErrEmptyDataset, "no video files in %q", spec.Path)
	}
	klog.V(1).Infof("folder dataset %q: %d videos", spec.Path, len(files))
	return &Folder{spec: spec, opts: opts, files: files}, nil
}

// Name implements Adapter.
func (ds *Folder) Name() string { return "folder" }

// Len implements Adapter.
func (ds *Folder) Len() int { return len(ds.files) }

// At implements Adapter.
func (ds *Folder) At(i int) (*Item, error) {
	if err := checkIndex(i, len(ds.files), ds.Name()); err != nil {
		return nil, err
	}
	path := ds.files[i]
	src, err := ds.opts.opener()(path)
	if err != nil {
		return nil, err
	}
	step := ds.spec.FrameStep
	if ds.spec.FPS > 0 {
		step = media.StrideForFPS(src.FPS(), ds.spec.FPS)
	}
	prompt := ds.folderPrompt(path)
	return loadItem(src, prompt, ds.spec.SampleStartIdx, step, ds.spec.NSampleFrames, ds.opts)
}

// folderPrompt resolves the caption for one video: the sidecar caption file
// if present, else the configured fallback prompt, else the file name.
func (ds *Folder) folderPrompt(path string) string {
	captionPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
	data, err := os.ReadFile(captionPath)
	if err == nil {
		if caption := strings.TrimSpace(string(data)); caption != "" {
			return caption
		}
	}
	if ds.spec.Prompt != "" {
		return ds.spec.Prompt
	}
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
