package media

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBucketSet(t *testing.T) {
	bs, err := NewBucketSet(256, 256, 8)
	require.NoError(t, err)
	require.NotEmpty(t, bs.Buckets)
	for _, b := range bs.Buckets {
		assert.Zerof(t, b.Width%8, "bucket %s width not divisible by 8", b)
		assert.Zerof(t, b.Height%8, "bucket %s height not divisible by 8", b)
	}
	// The square bucket at the target resolution must be a candidate.
	assert.Contains(t, bs.Buckets, Bucket{Width: 256, Height: 256})

	_, err = NewBucketSet(250, 256, 8) // 250 not divisible by 8.
	require.Error(t, err)
	_, err = NewBucketSet(256, 256, 0)
	require.Error(t, err)
}

func TestBucketFitDeterminism(t *testing.T) {
	bs, err := NewBucketSet(256, 256, 8)
	require.NoError(t, err)

	// Square sources land in the square bucket.
	assert.Equal(t, Bucket{Width: 256, Height: 256}, bs.Fit(512, 512))
	assert.Equal(t, Bucket{Width: 256, Height: 256}, bs.Fit(100, 100))

	// Wide sources land in a wide bucket, tall sources in a tall one.
	wide := bs.Fit(1920, 1080)
	assert.Greater(t, wide.Width, wide.Height)
	tall := bs.Fit(1080, 1920)
	assert.Greater(t, tall.Height, tall.Width)

	// Determinism: same source resolution always resolves the same bucket.
	for i := 0; i < 10; i++ {
		assert.Equal(t, wide, bs.Fit(1920, 1080))
	}

	// Bucketing disabled resolves to the target, whatever the source.
	assert.Equal(t, bs.Target, bs.ResolveBucket(1920, 1080, false))
	assert.Equal(t, wide, bs.ResolveBucket(1920, 1080, true))
}

func TestResizeToBucket(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 640, 480))
	b := Bucket{Width: 256, Height: 256}
	for i := 0; i < 2; i++ { // Resizing twice yields identical dimensions.
		out := ResizeToBucket(src, b)
		assert.Equal(t, 256, out.Bounds().Dx())
		assert.Equal(t, 256, out.Bounds().Dy())
	}

	// Upscaling path.
	small := image.NewNRGBA(image.Rect(0, 0, 100, 30))
	out := ResizeToBucket(small, b)
	assert.Equal(t, 256, out.Bounds().Dx())
	assert.Equal(t, 256, out.Bounds().Dy())
}

func TestResizeExact(t *testing.T) {
	// A wide source with only the leftmost columns red: an exact resize keeps
	// them, the cover-and-crop path discards them.
	src := image.NewNRGBA(image.Rect(0, 0, 400, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 400; x++ {
			i := y*src.Stride + x*4
			if x < 50 {
				src.Pix[i] = 255 // Red.
			} else {
				src.Pix[i+2] = 255 // Blue.
			}
			src.Pix[i+3] = 255
		}
	}
	b := Bucket{Width: 64, Height: 64}

	exact := ResizeExact(src, b)
	assert.Equal(t, 64, exact.Bounds().Dx())
	assert.Equal(t, 64, exact.Bounds().Dy())
	r, _, bl, _ := exact.At(2, 32).RGBA()
	assert.Greater(t, r, bl, "exact resize keeps the left red stripe")

	cropped := ResizeToBucket(src, b)
	r, _, bl, _ = cropped.At(2, 32).RGBA()
	assert.Greater(t, bl, r, "center crop discards the left red stripe")
}

func TestFramesToTensor(t *testing.T) {
	white := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for i := range white.Pix {
		white.Pix[i] = 255
	}
	black := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	for i := 3; i < len(black.Pix); i += 4 {
		black.Pix[i] = 255 // Alpha only.
	}

	tensor, err := FramesToTensor([]image.Image{white, black})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 4, 3}, tensor.Shape().Dimensions)

	flat := tensor.Value().([][][][]float32)
	assert.InDelta(t, 1.0, flat[0][0][0][0], 1e-6)  // White frame -> +1.
	assert.InDelta(t, -1.0, flat[1][0][0][0], 1e-6) // Black frame -> -1.

	// Mismatched frame sizes must fail.
	tiny := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	_, err = FramesToTensor([]image.Image{white, tiny})
	require.Error(t, err)

	_, err = FramesToTensor(nil)
	require.Error(t, err)
}
