// Package preprocess locates the image region most likely to show the
// skin lesion and crops to it, so the classifier sees the affected
// area rather than fur, background or clinic surroundings.
package preprocess

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/dermclass/pkg/dataset"
)

// Config holds settings for lesion focused cropping.
type Config struct {
	// EdgeWeight scores local texture: lesions are rough against
	// smooth fur and background.
	EdgeWeight float64
	// RednessWeight scores inflammation: red channel excess over
	// green and blue.
	RednessWeight float64
	// CropRatio is the crop side as a fraction of the short image
	// side.
	CropRatio float64
	// MinSize skips cropping for images with a shorter side below it.
	MinSize int
}

// DefaultConfig returns the standard cropping configuration.
func DefaultConfig() Config {
	return Config{
		EdgeWeight:    0.5,
		RednessWeight: 0.5,
		CropRatio:     0.8,
		MinSize:       64,
	}
}

// Cropper finds the most salient square region of an image and crops
// to it. It satisfies the loader's focus crop hook.
type Cropper struct {
	config Config
}

var _ dataset.FocusCropper = (*Cropper)(nil)

// New creates a Cropper with the default configuration.
func New() *Cropper {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Cropper with a custom configuration. Out of
// range crop ratios fall back to the default.
func NewWithConfig(config Config) *Cropper {
	if config.CropRatio <= 0 || config.CropRatio > 1 {
		config.CropRatio = DefaultConfig().CropRatio
	}
	return &Cropper{config: config}
}

// Region is a square region of interest in image coordinates.
type Region struct {
	X     int
	Y     int
	Size  int
	Score float64
}

// Center returns the center point of the region.
func (r Region) Center() (int, int) {
	return r.X + r.Size/2, r.Y + r.Size/2
}

// Saliency is computed on a thumbnail: window scores vary smoothly, so
// the precision lost to downscaling does not move the crop by much.
const thumbEdge = 128

// BestRegion returns the square crop region with the highest mean
// saliency, in the coordinate space of img.
func (c *Cropper) BestRegion(img image.Image) Region {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var thumb *image.NRGBA
	if w > thumbEdge || h > thumbEdge {
		thumb = imaging.Fit(img, thumbEdge, thumbEdge, imaging.Box)
	} else {
		thumb = imaging.Clone(img)
	}
	tw, th := thumb.Bounds().Dx(), thumb.Bounds().Dy()

	sal := c.saliencyMap(thumb)
	side := int(c.config.CropRatio * float64(min(tw, th)))
	if side < 1 {
		side = 1
	}
	step := max(1, side/8)

	// A centered crop is the fallback when nothing stands out.
	bestX, bestY := (tw-side)/2, (th-side)/2
	bestScore := regionScore(sal, bestX, bestY, side)
	for y := 0; y+side <= th; y += step {
		for x := 0; x+side <= tw; x += step {
			if score := regionScore(sal, x, y, side); score > bestScore {
				bestX, bestY, bestScore = x, y, score
			}
		}
	}

	// Map back onto the original image.
	scale := float64(min(w, h)) / float64(min(tw, th))
	rx := int(float64(bestX) * float64(w) / float64(tw))
	ry := int(float64(bestY) * float64(h) / float64(th))
	rside := int(float64(side) * scale)
	rx = min(rx, w-rside)
	ry = min(ry, h-rside)

	return Region{
		X:     bounds.Min.X + rx,
		Y:     bounds.Min.Y + ry,
		Size:  rside,
		Score: bestScore,
	}
}

// FocusCrop crops img to its best region. Images smaller than the
// configured minimum pass through unchanged.
func (c *Cropper) FocusCrop(img image.Image) image.Image {
	bounds := img.Bounds()
	if min(bounds.Dx(), bounds.Dy()) < c.config.MinSize {
		return img
	}
	r := c.BestRegion(img)
	return imaging.Crop(img, image.Rect(r.X, r.Y, r.X+r.Size, r.Y+r.Size))
}

// saliencyMap scores every thumbnail pixel by local texture and
// redness. Border pixels keep a zero score.
func (c *Cropper) saliencyMap(img *image.NRGBA) [][]float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	sal := make([][]float64, h)
	for i := range sal {
		sal[i] = make([]float64, w)
	}

	at := func(x, y int) (float64, float64, float64) {
		i := y*img.Stride + x*4
		return float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
	}

	neighbors := [8][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}
	// Largest per neighbor color distance, for normalizing to [0,1].
	maxDiff := math.Sqrt(3 * 255 * 255)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			r, g, b := at(x, y)

			edge := 0.0
			for _, n := range neighbors {
				nr, ng, nb := at(x+n[0], y+n[1])
				dr, dg, db := r-nr, g-ng, b-nb
				edge += math.Sqrt(dr*dr + dg*dg + db*db)
			}
			edge /= 8 * maxDiff

			redness := r/255 - (g+b)/510
			if redness < 0 {
				redness = 0
			}

			sal[y][x] = c.config.EdgeWeight*edge + c.config.RednessWeight*redness
		}
	}
	return sal
}

// regionScore returns the mean saliency of the side sized square at
// (x, y).
func regionScore(sal [][]float64, x, y, side int) float64 {
	total := 0.0
	count := 0
	for ry := y; ry < y+side && ry < len(sal); ry++ {
		row := sal[ry]
		for rx := x; rx < x+side && rx < len(row); rx++ {
			total += row[rx]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
