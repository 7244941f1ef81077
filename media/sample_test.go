package media

import (
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleIndices(t *testing.T) {
	indices, err := SampleIndices(0, 1, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indices)

	indices, err = SampleIndices(1, 3, 4, 12)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 7, 10}, indices)

	// The last required index (0 + 2*3 = 6) is exactly one past the end:
	// never truncate, never wrap.
	_, err = SampleIndices(0, 3, 3, 6)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	// Last index == length-1 is still valid.
	indices, err = SampleIndices(0, 3, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 6}, indices)

	_, err = SampleIndices(0, 0, 3, 10)
	require.Error(t, err)
	_, err = SampleIndices(-1, 1, 3, 10)
	require.Error(t, err)
	_, err = SampleIndices(0, 1, 0, 10)
	require.Error(t, err)
}

func TestStrideForFPS(t *testing.T) {
	assert.Equal(t, 3, StrideForFPS(30, 10))
	assert.Equal(t, 1, StrideForFPS(30, 30))
	assert.Equal(t, 1, StrideForFPS(24, 60)) // Never upsample.
	assert.Equal(t, 4, StrideForFPS(29.97, 8))
	assert.Equal(t, 1, StrideForFPS(0, 8)) // Unknown source rate.
}

// fakeSource yields solid-color frames, for testing without ffmpeg.
type fakeSource struct {
	path          string
	width, height int
	numFrames     int
	fps           float64
}

func (f *fakeSource) NumFrames() int { return f.numFrames }
func (f *fakeSource) FPS() float64   { return f.fps }
func (f *fakeSource) Path() string   { return f.path }

func (f *fakeSource) Frame(i int) (image.Image, error) {
	if i < 0 || i >= f.numFrames {
		return nil, errors.Wrapf(ErrOutOfRange, "frame %d of %d", i, f.numFrames)
	}
	img := image.NewNRGBA(image.Rect(0, 0, f.width, f.height))
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p] = uint8(i) // Encode the frame index in the red channel.
		img.Pix[p+3] = 255
	}
	return img, nil
}

func TestSampleFrames(t *testing.T) {
	src := &fakeSource{path: "clip.mp4", width: 8, height: 4, numFrames: 10, fps: 30}
	frames, err := SampleFrames(src, 2, 2, 3)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, wantFrame := range []int{2, 4, 6} {
		nrgba := frames[i].(*image.NRGBA)
		assert.EqualValues(t, wantFrame, nrgba.Pix[0])
	}

	_, err = SampleFrames(src, 8, 2, 3)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}
