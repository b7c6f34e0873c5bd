package preprocessing

import (
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp" // register BMP decoder
	"golang.org/x/image/draw"
)

// Channels is the number of color channels of every processed image.
// Grayscale sources are expanded to RGB.
const Channels = 3

// ImageProcessor decodes images and resizes them to a square target size
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float64 // CHW, normalized to [0, 1]
	Width    int
	Height   int
	Channels int
}

// Clone deep-copies the image
func (pi *ProcessedImage) Clone() *ProcessedImage {
	data := make([]float64, len(pi.Data))
	copy(data, pi.Data)
	return &ProcessedImage{Data: data, Width: pi.Width, Height: pi.Height, Channels: pi.Channels}
}

// TargetSize returns the edge length of processed images
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// DecodeAndPreprocess decodes a JPEG, PNG or BMP image and preprocesses it for neural network input.
// Returns data in CHW format (channels, height, width) normalized to [0, 1]
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	if img.Bounds().Empty() {
		return nil, errors.Errorf("empty %s image", format)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Reuse image buffer
	if p.tempImageBuffer == nil {
		p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
	}
	targetImg := p.tempImageBuffer

	draw.BiLinear.Scale(targetImg, targetImg.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := p.targetSize * p.targetSize
	data := make([]float64, Channels*plane)

	// RGBA pixels are 4 bytes, alpha is dropped
	pix := targetImg.Pix
	for y := 0; y < p.targetSize; y++ {
		row := y * targetImg.Stride
		for x := 0; x < p.targetSize; x++ {
			off := row + 4*x
			idx := y*p.targetSize + x
			data[0*plane+idx] = float64(pix[off+0]) / 255.0 // R channel
			data[1*plane+idx] = float64(pix[off+1]) / 255.0 // G channel
			data[2*plane+idx] = float64(pix[off+2]) / 255.0 // B channel
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: Channels,
	}, nil
}

// LoadFile opens and preprocesses the image at path
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}

// PreprocessBatch preprocesses multiple images concurrently
func PreprocessBatch(imagePaths []string, targetSize int, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	// Create worker pool
	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize)

			for j := range jobs {
				results[j.index], errs[j.index] = processor.LoadFile(j.path)
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to process image %d", i)
		}
	}

	return results, nil
}
