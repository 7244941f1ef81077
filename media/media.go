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

// Package media reads video clips and still images as sequences of frames.
//
// A Source is an ordered sequence of frames of a single clip (a still image is
// a 1-frame Source). Videos are decoded by shelling out to ffmpeg/ffprobe --
// there is no Go-native video decoder -- while stills use the standard image
// decoders plus the extra codecs from golang.org/x/image.
//
// The package also implements deterministic strided frame sampling
// (SampleIndices) and aspect-ratio bucketing (BucketSet), the two
// preprocessing steps shared by all dataset types.
package media

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Source is an ordered, random-access sequence of decoded frames.
type Source interface {
	// NumFrames in the source. A still image reports 1.
	NumFrames() int

	// FPS of the source. Still images report 0.
	FPS() float64

	// Frame decodes and returns frame i, 0 <= i < NumFrames().
	Frame(i int) (image.Image, error)

	// Path identifies the underlying file.
	Path() string
}

// Opener opens a media file as a Source. Dataset adapters take an Opener so
// tests can inject synthetic sources; the default is Open.
type Opener func(path string) (Source, error)

// stillExtensions are decoded with Go image decoders; anything else is
// assumed to be a video and handed to ffmpeg.
var stillExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".bmp": true, ".webp": true, ".gif": true,
}

// IsStillImage reports whether path looks like a still image (by extension).
func IsStillImage(path string) bool {
	return stillExtensions[strings.ToLower(filepath.Ext(path))]
}

// Open opens a media file: still images become 1-frame sources, everything
// else is probed and decoded with ffmpeg.
func Open(path string) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "cannot open media file %q", path)
	}
	if IsStillImage(path) {
		return openStill(path)
	}
	return openVideo(path)
}

// stillSource is a Source for a single still image.
type stillSource struct {
	path string
	img  image.Image
}

func openStill(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return &stillSource{path: path, img: img}, nil
}

func (s *stillSource) NumFrames() int { return 1 }
func (s *stillSource) FPS() float64   { return 0 }
func (s *stillSource) Path() string   { return s.path }

func (s *stillSource) Frame(i int) (image.Image, error) {
	if i != 0 {
		return nil, errors.Wrapf(ErrOutOfRange, "still image %q has only frame 0, requested %d", s.path, i)
	}
	return s.img, nil
}
