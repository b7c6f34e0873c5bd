package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func solidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeAndPreprocessFormats(t *testing.T) {
	src := solidImage(20, 10, color.RGBA{R: 255, G: 0, B: 51, A: 255})

	encoders := map[string]func(*bytes.Buffer) error{
		"png": func(buf *bytes.Buffer) error { return png.Encode(buf, src) },
		"bmp": func(buf *bytes.Buffer) error { return bmp.Encode(buf, src) },
		"jpeg": func(buf *bytes.Buffer) error {
			return jpeg.Encode(buf, src, &jpeg.Options{Quality: 100})
		},
	}

	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, encode(&buf))

			processor := NewImageProcessor(8)
			img, err := processor.DecodeAndPreprocess(&buf)
			require.NoError(t, err)

			assert.Equal(t, 8, img.Width)
			assert.Equal(t, 8, img.Height)
			assert.Equal(t, Channels, img.Channels)
			require.Len(t, img.Data, 3*8*8)

			// CHW layout: first plane red, last plane blue
			assert.InDelta(t, 1.0, img.Data[0], 0.05)
			assert.InDelta(t, 0.0, img.Data[64], 0.05)
			assert.InDelta(t, 0.2, img.Data[128], 0.05)
			for _, v := range img.Data {
				assert.True(t, v >= 0 && v <= 1)
			}
		})
	}
}

func TestDecodeGrayscaleExpandsToRGB(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range gray.Pix {
		gray.Pix[i] = 128
	}

	img, err := NewImageProcessor(4).DecodeAndPreprocess(bytes.NewReader(encodePNG(t, gray)))
	require.NoError(t, err)

	for i := 0; i < 16; i++ {
		assert.InDelta(t, img.Data[i], img.Data[16+i], 1e-9)
		assert.InDelta(t, img.Data[i], img.Data[32+i], 1e-9)
	}
	assert.InDelta(t, 128.0/255.0, img.Data[0], 1e-9)
}

func TestDecodeAndPreprocessInvalid(t *testing.T) {
	_, err := NewImageProcessor(8).DecodeAndPreprocess(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}

func TestLoadFileAndPreprocessBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, c := range []color.RGBA{{R: 255, A: 255}, {G: 255, A: 255}, {B: 255, A: 255}} {
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(path, encodePNG(t, solidImage(6, 6, c)), 0644))
		paths = append(paths, path)
	}

	processor := NewImageProcessor(4)
	single, err := processor.LoadFile(paths[1])
	require.NoError(t, err)
	assert.InDelta(t, 1.0, single.Data[16], 1e-9)

	results, err := PreprocessBatch(paths, 4, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, img := range results {
		assert.InDelta(t, 1.0, img.Data[i*16], 1e-9, "image %d", i)
	}

	_, err = PreprocessBatch(append(paths, filepath.Join(dir, "missing.png")), 4, 2)
	assert.Error(t, err)
}

func gradientImage() *ProcessedImage {
	// 1 channel, 3x2: rows [0 1 2] [3 4 5]
	return &ProcessedImage{Data: []float64{0, 1, 2, 3, 4, 5}, Width: 3, Height: 2, Channels: 1}
}

func TestFlips(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	img := gradientImage()
	HorizontalFlip{P: 1}.Apply(img, rng)
	assert.Equal(t, []float64{2, 1, 0, 5, 4, 3}, img.Data)

	img = gradientImage()
	VerticalFlip{P: 1}.Apply(img, rng)
	assert.Equal(t, []float64{3, 4, 5, 0, 1, 2}, img.Data)

	img = gradientImage()
	HorizontalFlip{P: 0}.Apply(img, rng)
	VerticalFlip{P: 0}.Apply(img, rng)
	assert.Equal(t, gradientImage().Data, img.Data)
}

func TestParseTransforms(t *testing.T) {
	transforms, err := ParseTransforms([]string{"hflip", " VFLIP "})
	require.NoError(t, err)
	require.Len(t, transforms, 2)
	assert.Equal(t, "hflip", transforms[0].Name())
	assert.Equal(t, "vflip", transforms[1].Name())

	none, err := ParseTransforms(nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = ParseTransforms([]string{"rotate"})
	assert.Error(t, err)
}

func BenchmarkDecodeAndPreprocess(b *testing.B) {
	data := encodePNG(b, solidImage(256, 256, color.RGBA{R: 10, G: 20, B: 30, A: 255}))
	processor := NewImageProcessor(64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := processor.DecodeAndPreprocess(bytes.NewReader(data)); err != nil {
			b.Fatal(err)
		}
	}
}
