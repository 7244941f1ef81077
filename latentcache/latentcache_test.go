package latentcache

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/videotune/datasets"
	"github.com/gomlx/videotune/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem(sourceID string) *datasets.Item {
	return &datasets.Item{
		SourceID:       sourceID,
		Bucket:         media.Bucket{Width: 64, Height: 64},
		SampleStartIdx: 0,
		FrameStep:      1,
		NumFrames:      4,
	}
}

func testLatents(fill float32) *tensors.Tensor {
	data := make([]float32, 2*3)
	for i := range data {
		data[i] = fill
	}
	return tensors.FromFlatDataAndDimensions(data, 2, 3)
}

func TestKey(t *testing.T) {
	item := testItem("clip.mp4")
	assert.Len(t, Key(item), 16)
	assert.Equal(t, Key(item), Key(testItem("clip.mp4")))

	// Every keyed field changes the key.
	other := testItem("other.mp4")
	assert.NotEqual(t, Key(item), Key(other))
	shifted := testItem("clip.mp4")
	shifted.SampleStartIdx = 1
	assert.NotEqual(t, Key(item), Key(shifted))
	strided := testItem("clip.mp4")
	strided.FrameStep = 2
	assert.NotEqual(t, Key(item), Key(strided))
	longer := testItem("clip.mp4")
	longer.NumFrames = 8
	assert.NotEqual(t, Key(item), Key(longer))
	rebucketed := testItem("clip.mp4")
	rebucketed.Bucket = media.Bucket{Width: 128, Height: 64}
	assert.NotEqual(t, Key(item), Key(rebucketed))
}

func TestLookupStore(t *testing.T) {
	cache, err := New(filepath.Join(t.TempDir(), "latents"))
	require.NoError(t, err)

	item := testItem("clip.mp4")
	_, ok := cache.Lookup(item)
	assert.False(t, ok)

	want := testLatents(0.5)
	require.NoError(t, cache.Store(item, want))
	got, ok := cache.Lookup(item)
	require.True(t, ok)
	assert.True(t, want.Equal(got))

	// No stray temp files after a committed write.
	entries, err := os.ReadDir(cache.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, Key(item)+".tensor", entries[0].Name())
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	cache, err := New(t.TempDir())
	require.NoError(t, err)

	item := testItem("clip.mp4")
	path := filepath.Join(cache.Dir(), Key(item)+".tensor")
	require.NoError(t, os.WriteFile(path, []byte("not a tensor"), 0644))

	_, ok := cache.Lookup(item)
	assert.False(t, ok)
	// The corrupt entry was removed so the next Store succeeds.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestGetOrComputeIdempotence(t *testing.T) {
	cache, err := New(t.TempDir())
	require.NoError(t, err)

	item := testItem("clip.mp4")
	var calls atomic.Int32
	encode := func(*datasets.Item) (*tensors.Tensor, error) {
		calls.Add(1)
		return testLatents(1.0), nil
	}

	first, err := cache.GetOrCompute(item, encode)
	require.NoError(t, err)
	second, err := cache.GetOrCompute(item, encode)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assert.Equal(t, int32(1), calls.Load())
}

// sliceAdapter serves pre-built items for Prefill tests.
type sliceAdapter struct{ items []*datasets.Item }

func (a *sliceAdapter) Name() string { return "slice" }
func (a *sliceAdapter) Len() int     { return len(a.items) }
func (a *sliceAdapter) At(i int) (*datasets.Item, error) {
	return a.items[i], nil
}

func TestPrefill(t *testing.T) {
	cache, err := New(t.TempDir())
	require.NoError(t, err)

	adapter := &sliceAdapter{}
	for _, id := range []string{"a.mp4", "b.mp4", "c.mp4", "d.mp4"} {
		adapter.items = append(adapter.items, testItem(id))
	}

	var calls atomic.Int32
	encode := func(item *datasets.Item) (*tensors.Tensor, error) {
		calls.Add(1)
		return testLatents(float32(len(item.SourceID))), nil
	}
	require.NoError(t, cache.Prefill(adapter, encode, 2))
	assert.Equal(t, int32(4), calls.Load())

	// A second prefill is all hits.
	require.NoError(t, cache.Prefill(adapter, encode, 2))
	assert.Equal(t, int32(4), calls.Load())

	for _, item := range adapter.items {
		_, ok := cache.Lookup(item)
		assert.True(t, ok)
	}
}
