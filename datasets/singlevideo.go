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

	"github.com/pkg/errors"
)

// SingleVideo is the one-clip dataset: item 0 samples NSampleFrames frames
// from SampleStartIdx with stride FrameStep, always with the configured
// prompt.
type SingleVideo struct {
	spec *Spec
	opts *Options
}

// NewSingleVideo validates the locator and builds the adapter.
func NewSingleVideo(spec *Spec, opts *Options) (*SingleVideo, error) {
	if spec.SingleVideoPath == "" {
		return nil, errors.Wrap(ErrConfiguration, "single_video dataset requires single_video_path")
	}
	if _, err := os.Stat(spec.SingleVideoPath); err != nil {
		return nil, errors.Wrapf(ErrNotFound, "single_video_path %q: %v", spec.SingleVideoPath, err)
	}
	return &SingleVideo{spec: spec, opts: opts}, nil
}

// Name implements Adapter.
func (ds *SingleVideo) Name() string { return "single_video" }

// Len implements Adapter. A single clip is one item.
func (ds *SingleVideo) Len() int { return 1 }

// At implements Adapter. Fails with ErrOutOfRange if the requested frame
// range exceeds the clip length.
func (ds *SingleVideo) At(i int) (*Item, error) {
	if err := checkIndex(i, 1, ds.Name()); err != nil {
		return nil, err
	}
	src, err := ds.opts.opener()(ds.spec.SingleVideoPath)
	if err != nil {
		return nil, err
	}
	return loadItem(src, ds.spec.Prompt,
		ds.spec.SampleStartIdx, ds.spec.FrameStep, ds.spec.NSampleFrames, ds.opts)
}
