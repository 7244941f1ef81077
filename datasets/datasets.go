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

// Package datasets normalizes heterogeneous media layouts -- a single clip, a
// folder of clips, a JSON caption corpus or a directory of stills -- into one
// uniform stream of fixed-shape frame tensors plus prompts.
//
// Each layout is an Adapter with the same indexable contract (Len/At); an
// Aggregate concatenates the enabled adapters into a single index space,
// optionally padding shorter adapters by cyclic repetition so training is
// balanced across sources.
package datasets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/videotune/media"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration indicates invalid or contradictory dataset settings,
	// e.g. a missing required locator. Fatal before any training step.
	ErrConfiguration = errors.New("invalid dataset configuration")

	// ErrNotFound indicates a configured path that does not resolve.
	ErrNotFound = errors.New("dataset path not found")

	// ErrEmptyDataset indicates a folder or caption corpus with zero usable
	// entries.
	ErrEmptyDataset = errors.New("dataset is empty")

	// ErrOutOfRange indicates an index past the end of an adapter, or frame
	// sampling past the end of a clip.
	ErrOutOfRange = media.ErrOutOfRange
)

// Type selects one of the four dataset layouts.
type Type string

const (
	TypeSingleVideo Type = "single_video"
	TypeFolder      Type = "folder"
	TypeJSON        Type = "json"
	TypeImage       Type = "image"
)

// Spec configures one dataset. Only the locator relevant to Type is required;
// the others are ignored.
type Spec struct {
	Type Type `mapstructure:"type"`

	// Locators, one per type.
	SingleVideoPath string `mapstructure:"single_video_path"` // TypeSingleVideo
	Path            string `mapstructure:"path"`              // TypeFolder
	JSONPath        string `mapstructure:"json_path"`         // TypeJSON
	ImageDir        string `mapstructure:"image_dir"`         // TypeImage

	// Prompt is the fallback prompt, used when an item has no caption of its
	// own (and the only prompt for single_video).
	Prompt string `mapstructure:"prompt"`

	// UseCaptionFiles pairs each image/video with a same-named .txt caption
	// file. When false, every item uses Prompt.
	UseCaptionFiles bool `mapstructure:"use_caption"`

	// Sampling parameters.
	FPS            float64 `mapstructure:"fps"`        // Folder datasets: stride derived from source fps.
	FrameStep      int     `mapstructure:"frame_step"` // Other video datasets: fixed stride.
	SampleStartIdx int     `mapstructure:"sample_start_idx"`
	NSampleFrames  int     `mapstructure:"n_sample_frames"`
}

// DecodeSpec decodes a Spec from the free-form map a config file yields.
// Unknown keys fail, so typos in locator names surface immediately.
func DecodeSpec(raw map[string]any) (*Spec, error) {
	spec := &Spec{FrameStep: 1, NSampleFrames: 1}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      spec,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building dataset spec decoder")
	}
	if err = decoder.Decode(raw); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "decoding dataset spec: %v", err)
	}
	return spec, nil
}

// Item is one logical training example: a strided sequence of frames (a
// still image is a 1-frame sequence) already resized to its bucket, plus the
// associated prompt.
type Item struct {
	// Frames shaped [numFrames, bucket.Height, bucket.Width, 3], float32 in [-1, 1].
	Frames *tensors.Tensor

	// Prompt associated with this item.
	Prompt string

	// SourceID identifies the originating file or record; it is part of the
	// latent cache key and appears in logs for skipped items.
	SourceID string

	// Bucket the frames were resolved to.
	Bucket media.Bucket

	// Sampling parameters used, part of the latent cache key.
	SampleStartIdx, FrameStep, NumFrames int
}

// Adapter is the common item-producing contract over one storage layout.
type Adapter interface {
	// Name of the adapter, for logs.
	Name() string

	// Len is the number of items. Every i in [0, Len()) is retrievable with
	// At(i); At(Len()) fails with ErrOutOfRange.
	Len() int

	// At lazily constructs item i.
	At(i int) (*Item, error)
}

// Options carries the environment shared by all adapters.
type Options struct {
	// Buckets is the candidate bucket set derived from the target resolution.
	Buckets *media.BucketSet

	// UseBucketing enables nearest-aspect-ratio bucket selection; when false
	// every item resolves to the target resolution.
	UseBucketing bool

	// Open opens media files; defaults to media.Open.
	Open media.Opener
}

func (opts *Options) opener() media.Opener {
	if opts.Open != nil {
		return opts.Open
	}
	return media.Open
}

// New builds the adapter for spec.Type.
func New(spec *Spec, opts *Options) (Adapter, error) {
	if opts == nil || opts.Buckets == nil {
		return nil, errors.Wrap(ErrConfiguration, "dataset options require a bucket set")
	}
	if spec.NSampleFrames <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "n_sample_frames must be > 0, got %d", spec.NSampleFrames)
	}
	switch spec.Type {
	case TypeSingleVideo:
		return NewSingleVideo(spec, opts)
	case TypeFolder:
		return NewFolder(spec, opts)
	case TypeJSON:
		return NewJSON(spec, opts)
	case TypeImage:
		return NewImage(spec, opts)
	default:
		return nil, errors.Wrapf(ErrConfiguration,
			"unknown dataset type %q, valid types are %q, %q, %q and %q",
			spec.Type, TypeSingleVideo, TypeFolder, TypeJSON, TypeImage)
	}
}

// checkIndex validates an adapter-local index.
func checkIndex(i, length int, name string) error {
	if i < 0 || i >= length {
		return errors.Wrapf(ErrOutOfRange, "index %d of dataset %q with %d items", i, name, length)
	}
	return nil
}

// loadItem samples, buckets and packs one media source into an Item.
func loadItem(src media.Source, prompt string, start, step, count int, opts *Options) (*Item, error) {
	frames, err := media.SampleFrames(src, start, step, count)
	if err != nil {
		return nil, err
	}
	first := frames[0].Bounds()
	bucket := opts.Buckets.ResolveBucket(first.Dx(), first.Dy(), opts.UseBucketing)
	// Bucketing crops to preserve the aspect ratio; without it frames are
	// resized straight to the target.
	resize := media.ResizeExact
	if opts.UseBucketing {
		resize = media.ResizeToBucket
	}
	for i, frame := range frames {
		frames[i] = resize(frame, bucket)
	}
	tensor, err := media.FramesToTensor(frames)
	if err != nil {
		return nil, errors.WithMessagef(err, "packing frames of %q", src.Path())
	}
	return &Item{
		Frames:         tensor,
		Prompt:         prompt,
		SourceID:       src.Path(),
		Bucket:         bucket,
		SampleStartIdx: start,
		FrameStep:      step,
		NumFrames:      count,
	}, nil
}

// sidecarPrompt reads the ".txt" caption next to a media file, falling back
// to the configured prompt when the sidecar is missing or caption files are
// disabled.
func sidecarPrompt(mediaPath string, spec *Spec) string {
	if !spec.UseCaptionFiles {
		return spec.Prompt
	}
	captionPath := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + ".txt"
	data, err := os.ReadFile(captionPath)
	if err != nil {
		return spec.Prompt
	}
	caption := strings.TrimSpace(string(data))
	if caption == "" {
		return spec.Prompt
	}
	return caption
}

// describeLen pretty-prints adapter sizes for logs.
func describeLen(name string, n int) string {
	return fmt.Sprintf("%s: %d items", name, n)
}
