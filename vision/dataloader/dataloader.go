package dataloader

import (
	"fmt"
	"io"
	"math/rand"
	"sync"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/tsawler/go-trainer/tensor"
	"github.com/tsawler/go-trainer/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Batch is one group of preprocessed images with their labels
type Batch struct {
	Images *tensor.Tensor // [n, channels, size, size]
	Labels []int
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Labels)
}

// DataLoader yields preprocessed batches in a seeded, optionally shuffled order
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex

	// Decoded images keyed by path, nil when caching is disabled
	cache  *lru.Cache
	hits   int64
	misses int64

	transforms []preprocessing.Transform
	imageSize  int
	numWorkers int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	Shuffle    bool
	CacheSize  int // Maximum number of decoded images to keep, 0 disables the cache
	ImageSize  int
	NumWorkers int // Number of parallel workers for decoding
	Seed       int64
	Transforms []preprocessing.Transform // applied to every sample, after the cache
}

// NewDataLoader creates a new data loader. The first epoch's order is drawn
// from the seed, so two loaders built with the same seed agree.
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if dataset.Len() == 0 {
		return nil, errors.New("dataset is empty")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	var cache *lru.Cache
	if config.CacheSize > 0 {
		var err error
		cache, err = lru.New(config.CacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create image cache")
		}
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:    dataset,
		batchSize:  config.BatchSize,
		shuffle:    config.Shuffle,
		indices:    indices,
		rng:        rand.New(rand.NewSource(config.Seed)),
		cache:      cache,
		transforms: config.Transforms,
		imageSize:  config.ImageSize,
		numWorkers: config.NumWorkers,
	}
	dl.shuffleIndices()
	return dl, nil
}

func (dl *DataLoader) shuffleIndices() {
	if !dl.shuffle {
		return
	}
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset rewinds the loader and draws a new order when shuffling
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	dl.shuffleIndices()
}

// Len returns the number of samples
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// NumBatches returns the number of batches per pass, the last one may be short
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NextBatch loads the next batch of images. It returns io.EOF once the pass
// is exhausted. Any unreadable sample fails the batch.
func (dl *DataLoader) NextBatch() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, io.EOF
	}

	batchSize := dl.batchSize
	if remaining < batchSize {
		batchSize = remaining
	}

	images := make([]*preprocessing.ProcessedImage, batchSize)
	labels := make([]int, batchSize)

	var missPaths []string
	var missSlots []int
	for i := 0; i < batchSize; i++ {
		idx := dl.indices[dl.position+i]
		imagePath, label, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get item %d", idx)
		}
		labels[i] = label

		if img, ok := dl.lookup(imagePath); ok {
			images[i] = img
			continue
		}
		missPaths = append(missPaths, imagePath)
		missSlots = append(missSlots, i)
	}

	if len(missPaths) > 0 {
		decoded, err := preprocessing.PreprocessBatch(missPaths, dl.imageSize, dl.numWorkers)
		if err != nil {
			return nil, err
		}
		for j, img := range decoded {
			if dl.cache != nil {
				dl.cache.Add(missPaths[j], img)
			}
			images[missSlots[j]] = img
		}
	}

	data := make([]float64, 0, batchSize*preprocessing.Channels*dl.imageSize*dl.imageSize)
	for _, img := range images {
		if len(dl.transforms) > 0 {
			// Cached images stay unaugmented
			img = img.Clone()
			for _, t := range dl.transforms {
				t.Apply(img, dl.rng)
			}
		}
		data = append(data, img.Data...)
	}

	batch, err := tensor.New([]int{batchSize, preprocessing.Channels, dl.imageSize, dl.imageSize}, data)
	if err != nil {
		return nil, err
	}

	dl.position += batchSize
	return &Batch{Images: batch, Labels: labels}, nil
}

func (dl *DataLoader) lookup(path string) (*preprocessing.ProcessedImage, bool) {
	if dl.cache == nil {
		return nil, false
	}
	if v, ok := dl.cache.Get(path); ok {
		dl.hits++
		return v.(*preprocessing.ProcessedImage), true
	}
	dl.misses++
	return nil, false
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %s items, Hits: %s, Misses: %s, Hit Rate: %.1f%%",
		humanize.Comma(int64(cs.Size)), humanize.Comma(cs.Hits), humanize.Comma(cs.Misses), cs.HitRate)
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() CacheStats {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	stats := CacheStats{Hits: dl.hits, Misses: dl.misses}
	if dl.cache != nil {
		stats.Size = dl.cache.Len()
	}
	if total := dl.hits + dl.misses; total > 0 {
		stats.HitRate = float64(dl.hits) / float64(total) * 100
	}
	return stats
}

// ClearCache drops every cached image
func (dl *DataLoader) ClearCache() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.cache != nil {
		dl.cache.Purge()
	}
}
