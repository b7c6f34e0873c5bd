package preprocessing

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
)

// Transform augments a processed image in place
type Transform interface {
	Apply(img *ProcessedImage, rng *rand.Rand)
	Name() string
}

// HorizontalFlip mirrors the image left to right with probability P
type HorizontalFlip struct {
	P float64
}

func (HorizontalFlip) Name() string { return "hflip" }

func (t HorizontalFlip) Apply(img *ProcessedImage, rng *rand.Rand) {
	if rng.Float64() >= t.P {
		return
	}
	for c := 0; c < img.Channels; c++ {
		plane := img.Data[c*img.Width*img.Height : (c+1)*img.Width*img.Height]
		for y := 0; y < img.Height; y++ {
			row := plane[y*img.Width : (y+1)*img.Width]
			for i, j := 0, len(row)-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}

// VerticalFlip mirrors the image top to bottom with probability P
type VerticalFlip struct {
	P float64
}

func (VerticalFlip) Name() string { return "vflip" }

func (t VerticalFlip) Apply(img *ProcessedImage, rng *rand.Rand) {
	if rng.Float64() >= t.P {
		return
	}
	w := img.Width
	for c := 0; c < img.Channels; c++ {
		plane := img.Data[c*w*img.Height : (c+1)*w*img.Height]
		for top, bottom := 0, img.Height-1; top < bottom; top, bottom = top+1, bottom-1 {
			a := plane[top*w : (top+1)*w]
			b := plane[bottom*w : (bottom+1)*w]
			for x := range a {
				a[x], b[x] = b[x], a[x]
			}
		}
	}
}

// ParseTransforms maps names ("hflip", "vflip") to random flips with p=0.5
func ParseTransforms(names []string) ([]Transform, error) {
	transforms := make([]Transform, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "hflip", "horizontal_flip":
			transforms = append(transforms, HorizontalFlip{P: 0.5})
		case "vflip", "vertical_flip":
			transforms = append(transforms, VerticalFlip{P: 0.5})
		default:
			return nil, errors.Errorf("unknown transform %q", name)
		}
	}
	return transforms, nil
}
