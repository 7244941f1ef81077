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
	"image"
	"math"

	"github.com/pkg/errors"
)

// ErrOutOfRange is returned when a requested frame range extends past the end
// of a source. Sampling never truncates or wraps around.
var ErrOutOfRange = errors.New("requested frames out of range of media source")

// SampleIndices returns exactly count frame indices
// start, start+step, ..., start+(count-1)*step.
//
// It fails with ErrOutOfRange if the last index would be >= length.
func SampleIndices(start, step, count, length int) ([]int, error) {
	if count <= 0 {
		return nil, errors.Errorf("sample count must be > 0, got %d", count)
	}
	if step <= 0 {
		return nil, errors.Errorf("frame step must be > 0, got %d", step)
	}
	if start < 0 {
		return nil, errors.Errorf("sample start index must be >= 0, got %d", start)
	}
	last := start + (count-1)*step
	if last >= length {
		return nil, errors.Wrapf(ErrOutOfRange,
			"sampling %d frames from %d with step %d requires frame %d, but source has only %d frames",
			count, start, step, last, length)
	}
	indices := make([]int, count)
	for i := range indices {
		indices[i] = start + i*step
	}
	return indices, nil
}

// StrideForFPS converts a target sampling rate into a frame stride over a
// source recorded at sourceFPS. A source at 30fps sampled at 10fps yields a
// stride of 3. The stride is at least 1 (we never upsample).
func StrideForFPS(sourceFPS, targetFPS float64) int {
	if sourceFPS <= 0 || targetFPS <= 0 {
		return 1
	}
	stride := int(math.Round(sourceFPS / targetFPS))
	if stride < 1 {
		stride = 1
	}
	return stride
}

// SampleFrames decodes the frames of src selected by SampleIndices.
func SampleFrames(src Source, start, step, count int) ([]image.Image, error) {
	indices, err := SampleIndices(start, step, count, src.NumFrames())
	if err != nil {
		return nil, errors.WithMessagef(err, "sampling %q", src.Path())
	}
	frames := make([]image.Image, len(indices))
	for i, frameIdx := range indices {
		frames[i], err = src.Frame(frameIdx)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding frame %d of %q", frameIdx, src.Path())
		}
	}
	return frames, nil
}
