package dataloader

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-trainer/vision/preprocessing"
)

// MockDataset implements the Dataset interface for testing
type MockDataset struct {
	items []MockItem
}

type MockItem struct {
	imagePath string
	label     int
}

func (md *MockDataset) Len() int {
	return len(md.items)
}

func (md *MockDataset) GetItem(index int) (imagePath string, label int, err error) {
	if index < 0 || index >= len(md.items) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(md.items))
	}
	item := md.items[index]
	return item.imagePath, item.label, nil
}

// newImageDataset writes numItems solid PNGs whose red channel encodes the item index
func newImageDataset(t testing.TB, numItems int) *MockDataset {
	t.Helper()
	dir := t.TempDir()

	items := make([]MockItem, numItems)
	for i := 0; i < numItems; i++ {
		path := filepath.Join(dir, fmt.Sprintf("image_%d.png", i))
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+3] = uint8(i*10), 255
		}
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())

		items[i] = MockItem{imagePath: path, label: i % 2}
	}
	return &MockDataset{items: items}
}

// sampleIndex recovers the item index from the red channel of sample i
func sampleIndex(b *Batch, i int) int {
	pixels := b.Images.NumElems / b.Size()
	return int(b.Images.Data[i*pixels]*255/10 + 0.5)
}

func drain(t *testing.T, dl *DataLoader) []int {
	t.Helper()
	var order []int
	for {
		batch, err := dl.NextBatch()
		if err == io.EOF {
			return order
		}
		require.NoError(t, err)
		for i := 0; i < batch.Size(); i++ {
			order = append(order, sampleIndex(batch, i))
		}
	}
}

func TestNewDataLoaderValidation(t *testing.T) {
	ds := newImageDataset(t, 2)

	_, err := NewDataLoader(ds, Config{BatchSize: 0, ImageSize: 4})
	assert.Error(t, err)
	_, err = NewDataLoader(ds, Config{BatchSize: 1, ImageSize: 0})
	assert.Error(t, err)
	_, err = NewDataLoader(&MockDataset{}, Config{BatchSize: 1, ImageSize: 4})
	assert.EqualError(t, err, "dataset is empty")
	assert.Contains(t, fmt.Sprintf("%+v", err), "NewDataLoader")
}

func TestDataLoaderBatches(t *testing.T) {
	ds := newImageDataset(t, 5)
	dl, err := NewDataLoader(ds, Config{BatchSize: 2, ImageSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 3, dl.NumBatches())
	assert.Equal(t, 5, dl.Len())

	batch, err := dl.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 4}, batch.Images.Shape)
	assert.Equal(t, []int{0, 1}, batch.Labels)

	_, err = dl.NextBatch()
	require.NoError(t, err)
	last, err := dl.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, 1, last.Size(), "last batch is short")

	_, err = dl.NextBatch()
	assert.Equal(t, io.EOF, err)

	current, total := dl.Progress()
	assert.Equal(t, 5, current)
	assert.Equal(t, 5, total)

	dl.Reset()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, drain(t, dl))
}

func TestDataLoaderSeededShuffle(t *testing.T) {
	ds := newImageDataset(t, 8)
	config := Config{BatchSize: 3, ImageSize: 4, Shuffle: true, Seed: 424242}

	a, err := NewDataLoader(ds, config)
	require.NoError(t, err)
	b, err := NewDataLoader(ds, config)
	require.NoError(t, err)

	first := drain(t, a)
	assert.Equal(t, first, drain(t, b), "same seed, same order")
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, first)

	a.Reset()
	b.Reset()
	assert.Equal(t, drain(t, a), drain(t, b))
}

func TestDataLoaderCache(t *testing.T) {
	ds := newImageDataset(t, 3)
	dl, err := NewDataLoader(ds, Config{BatchSize: 3, ImageSize: 4, CacheSize: 2})
	require.NoError(t, err)

	drain(t, dl)
	stats := dl.Stats()
	assert.Equal(t, int64(3), stats.Misses)
	assert.Equal(t, 2, stats.Size, "bounded by cache size")

	// Serving from cache still works once the files are gone
	path2, _, err := ds.GetItem(2)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path2))
	dl.Reset()
	assert.Equal(t, []int{0, 1, 2}, drain(t, dl))
	assert.Equal(t, int64(2), dl.Stats().Hits)
	assert.Contains(t, dl.Stats().String(), "Hits: 2")

	dl.ClearCache()
	dl.Reset()
	_, err = dl.NextBatch()
	assert.Error(t, err, "missing file surfaces once the cache is cleared")
}

func TestDataLoaderMissingFileFails(t *testing.T) {
	ds := &MockDataset{items: []MockItem{{imagePath: filepath.Join(t.TempDir(), "nope.png")}}}
	dl, err := NewDataLoader(ds, Config{BatchSize: 1, ImageSize: 4})
	require.NoError(t, err)

	_, err = dl.NextBatch()
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "failed to process image 0")
}

func TestDataLoaderTransformsDoNotTouchCache(t *testing.T) {
	ds := newImageDataset(t, 1)
	dl, err := NewDataLoader(ds, Config{
		BatchSize:  1,
		ImageSize:  4,
		CacheSize:  1,
		Transforms: []preprocessing.Transform{preprocessing.HorizontalFlip{P: 1}},
	})
	require.NoError(t, err)

	path, _, err := ds.GetItem(0)
	require.NoError(t, err)

	_, err = dl.NextBatch()
	require.NoError(t, err)
	cached, ok := dl.lookup(path)
	require.True(t, ok)
	// Mark one pixel so the flip is observable
	cached.Data[0] = 0.5

	dl.Reset()
	batch, err := dl.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, 0.5, batch.Images.Data[3], "flipped copy")
	assert.Equal(t, 0.5, cached.Data[0], "cache entry untouched")
}

type sliceSource struct {
	batches []*Batch
	err     error
	next    int
}

func (s *sliceSource) NextBatch() (*Batch, error) {
	if s.next < len(s.batches) {
		b := s.batches[s.next]
		s.next++
		return b, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func TestPrefetchInOrder(t *testing.T) {
	src := &sliceSource{batches: []*Batch{{Labels: []int{0}}, {Labels: []int{1}}, {Labels: []int{2}}}}

	var got []int
	for res := range Prefetch(context.Background(), src, 2) {
		require.NoError(t, res.Err)
		got = append(got, res.Batch.Labels[0])
	}
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestPrefetchDeliversError(t *testing.T) {
	src := &sliceSource{batches: []*Batch{{Labels: []int{0}}}, err: fmt.Errorf("decode failed")}

	var results []BatchResult
	for res := range Prefetch(context.Background(), src, 1) {
		results = append(results, res)
	}
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.EqualError(t, results[1].Err, "decode failed")
}

func TestPrefetchCancel(t *testing.T) {
	batches := make([]*Batch, 100)
	for i := range batches {
		batches[i] = &Batch{Labels: []int{i}}
	}
	ctx, cancel := context.WithCancel(context.Background())

	ch := Prefetch(ctx, &sliceSource{batches: batches}, 0)
	<-ch
	cancel()

	count := 0
	for range ch {
		count++
	}
	assert.Less(t, count, 99)
}

func BenchmarkDataLoaderWithCache(b *testing.B) {
	ds := newImageDataset(b, 32)
	dl, err := NewDataLoader(ds, Config{BatchSize: 8, ImageSize: 4, CacheSize: 32})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := dl.NextBatch(); err == io.EOF {
			dl.Reset()
		} else if err != nil {
			b.Fatal(err)
		}
	}
}
