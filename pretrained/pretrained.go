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

// Package pretrained defines the interfaces of the frozen networks the
// fine-tuning core collaborates with: the latent encoder, the text encoder
// and the denoiser. The real networks live outside this module; the reference
// implementations here are small stand-ins with the same contracts, enough to
// exercise injection, freezing, caching and the training loop end to end.
package pretrained

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Encoder maps pixel frames to latents. Encode consumes a frames tensor
// shaped [numFrames, height, width, 3] with values in [-1, 1] and returns a
// latent shaped [numFrames, height/f, width/f, Channels] where f is
// SpatialDownsample. Encoding is pure: the same frames always produce the
// same latent.
type Encoder interface {
	Encode(frames *tensors.Tensor) (*tensors.Tensor, error)
	SpatialDownsample() int
	Channels() int
}

// TextEncoder maps a prompt to a fixed-size embedding shaped [Dim].
type TextEncoder interface {
	Embed(prompt string) (*tensors.Tensor, error)
	Dim() int
}

// PoolEncoder is the reference Encoder: mean-pools f x f pixel blocks per
// frame and lifts RGB to 4 channels (RGB means plus luminance). Cheap,
// deterministic and shape-faithful to a real spatial autoencoder.
type PoolEncoder struct {
	Factor int
}

// NewPoolEncoder builds a PoolEncoder with the given downsampling factor.
func NewPoolEncoder(factor int) *PoolEncoder {
	if factor <= 0 {
		factor = 8
	}
	return &PoolEncoder{Factor: factor}
}

func (e *PoolEncoder) SpatialDownsample() int { return e.Factor }
func (e *PoolEncoder) Channels() int          { return 4 }

func (e *PoolEncoder) Encode(frames *tensors.Tensor) (*tensors.Tensor, error) {
	dims := frames.Shape().Dimensions
	if len(dims) != 4 || dims[3] != 3 {
		return nil, errors.Errorf("encoder expects frames shaped [frames, height, width, 3], got %s", frames.Shape())
	}
	numFrames, height, width := dims[0], dims[1], dims[2]
	if height%e.Factor != 0 || width%e.Factor != 0 {
		return nil, errors.Errorf("frame resolution %dx%d not divisible by downsampling factor %d",
			width, height, e.Factor)
	}
	outH, outW := height/e.Factor, width/e.Factor
	out := make([]float32, numFrames*outH*outW*4)
	tensors.ConstFlatData[float32](frames, func(flat []float32) {
		area := float32(e.Factor * e.Factor)
		for f := 0; f < numFrames; f++ {
			for oy := 0; oy < outH; oy++ {
				for ox := 0; ox < outW; ox++ {
					var r, g, b float32
					for dy := 0; dy < e.Factor; dy++ {
						y := oy*e.Factor + dy
						rowBase := ((f*height+y)*width + ox*e.Factor) * 3
						for dx := 0; dx < e.Factor; dx++ {
							base := rowBase + dx*3
							r += flat[base]
							g += flat[base+1]
							b += flat[base+2]
						}
					}
					r, g, b = r/area, g/area, b/area
					base := ((f*outH+oy)*outW + ox) * 4
					out[base] = r
					out[base+1] = g
					out[base+2] = b
					out[base+3] = 0.299*r + 0.587*g + 0.114*b
				}
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(out, numFrames, outH, outW, 4), nil
}

// HashTextEncoder is the reference TextEncoder: a deterministic
// pseudo-embedding expanded from the prompt's digest. Distinct prompts map to
// distinct embeddings, identical prompts always to the same one.
type HashTextEncoder struct {
	EmbedDim int
}

// NewHashTextEncoder builds a HashTextEncoder with the given embedding size.
func NewHashTextEncoder(dim int) *HashTextEncoder {
	if dim <= 0 {
		dim = 64
	}
	return &HashTextEncoder{EmbedDim: dim}
}

func (e *HashTextEncoder) Dim() int { return e.EmbedDim }

func (e *HashTextEncoder) Embed(prompt string) (*tensors.Tensor, error) {
	data := make([]float32, e.EmbedDim)
	digest := sha256.Sum256([]byte(prompt))
	counter := digest
	for i := 0; i < e.EmbedDim; i += 4 {
		for j := 0; j < 4 && i+j < e.EmbedDim; j++ {
			bits := binary.LittleEndian.Uint32(counter[4*j:])
			// Map to [-1, 1).
			data[i+j] = float32(int32(bits)) / float32(1<<31)
		}
		counter = sha256.Sum256(counter[:])
	}
	return tensors.FromFlatDataAndDimensions(data, e.EmbedDim), nil
}
