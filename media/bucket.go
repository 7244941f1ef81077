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

package media

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Bucket is one (width, height) pair that frames get normalized to.
// Both dimensions are divisible by the latent encoder's spatial
// downsampling factor.
type Bucket struct {
	Width, Height int
}

func (b Bucket) String() string { return fmt.Sprintf("%dx%d", b.Width, b.Height) }

// Pixels is the bucket area, used as the tie-break when two buckets are
// equally close in aspect ratio.
func (b Bucket) Pixels() int { return b.Width * b.Height }

// AspectRatio is width/height.
func (b Bucket) AspectRatio() float64 { return float64(b.Width) / float64(b.Height) }

// candidateRatios are the aspect ratios buckets are generated for, in
// deterministic order -- the order is the final tie-break in Fit.
var candidateRatios = [][2]int{
	{1, 1}, {4, 3}, {3, 4}, {16, 9}, {9, 16}, {3, 2}, {2, 3}, {2, 1}, {1, 2},
}

// BucketSet is the fixed candidate list of buckets derived from a target
// resolution. Same inputs always produce the same set, and Fit is pure, so
// bucket resolution is fully deterministic.
type BucketSet struct {
	Target  Bucket
	Factor  int
	Buckets []Bucket
}

// NewBucketSet derives bucket candidates from the configured target
// resolution. Each candidate keeps roughly the target pixel area at a
// different aspect ratio, with both dimensions rounded down to a multiple of
// factor (the encoder's spatial downsampling factor).
func NewBucketSet(targetW, targetH, factor int) (*BucketSet, error) {
	if factor <= 0 {
		return nil, errors.Errorf("downsampling factor must be > 0, got %d", factor)
	}
	if targetW <= 0 || targetH <= 0 || targetW%factor != 0 || targetH%factor != 0 {
		return nil, errors.Errorf(
			"target resolution %dx%d must be positive and divisible by the encoder downsampling factor %d",
			targetW, targetH, factor)
	}
	bs := &BucketSet{
		Target: Bucket{Width: targetW, Height: targetH},
		Factor: factor,
	}
	area := float64(targetW * targetH)
	seen := make(map[Bucket]bool)
	for _, ratio := range candidateRatios {
		ar := float64(ratio[0]) / float64(ratio[1])
		w := snapDown(math.Sqrt(area*ar), factor)
		h := snapDown(math.Sqrt(area/ar), factor)
		if w < factor || h < factor {
			continue
		}
		b := Bucket{Width: w, Height: h}
		if seen[b] {
			continue
		}
		seen[b] = true
		bs.Buckets = append(bs.Buckets, b)
	}
	return bs, nil
}

func snapDown(v float64, factor int) int {
	n := int(v) / factor * factor
	return n
}

// Fit selects the bucket closest in aspect ratio to a source resolution.
// Ties are broken by the bucket closest in pixel count to the target, and a
// remaining tie takes the earliest candidate.
func (bs *BucketSet) Fit(srcW, srcH int) Bucket {
	srcAR := float64(srcW) / float64(srcH)
	best := bs.Buckets[0]
	bestARDiff := math.Abs(srcAR - best.AspectRatio())
	bestPxDiff := absInt(best.Pixels() - bs.Target.Pixels())
	for _, b := range bs.Buckets[1:] {
		arDiff := math.Abs(srcAR - b.AspectRatio())
		pxDiff := absInt(b.Pixels() - bs.Target.Pixels())
		if arDiff < bestARDiff || (arDiff == bestARDiff && pxDiff < bestPxDiff) {
			best, bestARDiff, bestPxDiff = b, arDiff, pxDiff
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ResizeToBucket resizes img to exactly bucket dimensions: scale preserving
// aspect ratio until the image covers the bucket, then crop the center.
func ResizeToBucket(img image.Image, b Bucket) image.Image {
	srcW := img.Bounds().Dx()
	srcH := img.Bounds().Dy()
	scale := math.Max(float64(b.Width)/float64(srcW), float64(b.Height)/float64(srcH))
	newW := int(math.Ceil(float64(srcW) * scale))
	newH := int(math.Ceil(float64(srcH) * scale))
	img = imaging.Resize(img, newW, newH, imaging.Linear)
	return imaging.CropCenter(img, b.Width, b.Height)
}

// ResizeExact resizes img to exactly bucket dimensions without preserving
// the source aspect ratio, for the bucketing-disabled path.
func ResizeExact(img image.Image, b Bucket) image.Image {
	return imaging.Resize(img, b.Width, b.Height, imaging.Linear)
}

// ResolveBucket maps a source resolution to its bucket: the nearest candidate
// when bucketing is enabled, the target resolution otherwise.
func (bs *BucketSet) ResolveBucket(srcW, srcH int, useBucketing bool) Bucket {
	if !useBucketing {
		return bs.Target
	}
	return bs.Fit(srcW, srcH)
}

// FramesToTensor packs frames into a float32 tensor shaped
// [numFrames, height, width, 3], with values scaled to [-1, 1].
// All frames must share the same dimensions.
func FramesToTensor(frames []image.Image) (*tensors.Tensor, error) {
	if len(frames) == 0 {
		return nil, errors.New("cannot build a tensor from 0 frames")
	}
	w := frames[0].Bounds().Dx()
	h := frames[0].Bounds().Dy()
	flat := make([]float32, len(frames)*h*w*3)
	pos := 0
	for frameIdx, frame := range frames {
		if frame.Bounds().Dx() != w || frame.Bounds().Dy() != h {
			return nil, errors.Errorf("frame %d is %dx%d, but frame 0 is %dx%d -- all frames of "+
				"an item must share one bucket", frameIdx, frame.Bounds().Dx(), frame.Bounds().Dy(), w, h)
		}
		nrgba := imaging.Clone(frame) // NRGBA, 8 bits per channel.
		for y := 0; y < h; y++ {
			row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
			for x := 0; x < w; x++ {
				for c := 0; c < 3; c++ {
					flat[pos] = float32(row[x*4+c])/127.5 - 1.0
					pos++
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(frames), h, w, 3), nil
}
