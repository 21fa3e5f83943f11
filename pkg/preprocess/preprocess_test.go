package preprocess

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

// createLesionImage returns a gray image with a speckled red patch, a
// stand-in for an inflamed skin region against fur.
func createLesionImage(w, h int, patch image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	bg := color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, bg)
		}
	}
	for y := patch.Min.Y; y < patch.Max.Y; y++ {
		for x := patch.Min.X; x < patch.Max.X; x++ {
			if (x+y)%2 == 0 {
				img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{R: 120, G: 30, B: 30, A: 255})
			}
		}
	}
	return img
}

func TestSaliencyMap(t *testing.T) {
	patch := image.Rect(60, 60, 90, 90)
	img := createLesionImage(100, 100, patch)

	sal := New().saliencyMap(img)

	inside, insideN := 0.0, 0
	for y := 62; y < 88; y++ {
		for x := 62; x < 88; x++ {
			inside += sal[y][x]
			insideN++
		}
	}
	outside, outsideN := 0.0, 0
	for y := 5; y < 50; y++ {
		for x := 5; x < 50; x++ {
			outside += sal[y][x]
			outsideN++
		}
	}

	if inside/float64(insideN) < 0.05 {
		t.Errorf("Lesion saliency too low: %f", inside/float64(insideN))
	}
	if outside/float64(outsideN) > 0.01 {
		t.Errorf("Background saliency too high: %f", outside/float64(outsideN))
	}
}

func TestBestRegionFindsLesion(t *testing.T) {
	patch := image.Rect(120, 120, 180, 180)
	img := createLesionImage(200, 200, patch)

	c := NewWithConfig(Config{
		EdgeWeight:    0.5,
		RednessWeight: 0.5,
		CropRatio:     0.5,
		MinSize:       64,
	})
	r := c.BestRegion(img)

	cx, cy := 150, 150
	if cx < r.X || cx >= r.X+r.Size || cy < r.Y || cy >= r.Y+r.Size {
		t.Errorf("Region %+v does not contain the lesion center (%d,%d)", r, cx, cy)
	}
	if r.X == 0 && r.Y == 0 {
		t.Errorf("Region stuck at origin: %+v", r)
	}
	if r.Score <= 0 {
		t.Errorf("Expected positive region score, got %f", r.Score)
	}
}

func TestBestRegionUniformImage(t *testing.T) {
	img := createLesionImage(200, 200, image.Rect(0, 0, 0, 0))

	c := NewWithConfig(Config{EdgeWeight: 0.5, RednessWeight: 0.5, CropRatio: 0.5, MinSize: 64})
	r := c.BestRegion(img)

	// Nothing stands out, so the crop stays centered.
	wantX := (200 - r.Size) / 2
	if r.X < wantX-5 || r.X > wantX+5 {
		t.Errorf("Expected centered region, got %+v", r)
	}
}

func TestFocusCrop(t *testing.T) {
	patch := image.Rect(120, 120, 180, 180)
	img := createLesionImage(200, 200, patch)

	out := New().FocusCrop(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	if w != h {
		t.Errorf("Expected square crop, got %dx%d", w, h)
	}
	if w < 150 || w > 165 {
		t.Errorf("Expected crop side near 160, got %d", w)
	}

	// The lesion speckle survives in the crop.
	nrgba := imaging.Clone(out)
	found := false
	for i := 0; i < len(nrgba.Pix); i += 4 {
		if nrgba.Pix[i] > 150 && nrgba.Pix[i+1] < 80 {
			found = true
			break
		}
	}
	if !found {
		t.Error("Cropped image lost the lesion region")
	}
}

func TestFocusCropSmallImage(t *testing.T) {
	img := createLesionImage(32, 32, image.Rect(8, 8, 24, 24))
	out := New().FocusCrop(img)
	if out != image.Image(img) {
		t.Error("Expected small image passed through unchanged")
	}
}

func TestConfigFallback(t *testing.T) {
	c := NewWithConfig(Config{CropRatio: 5})
	if c.config.CropRatio != DefaultConfig().CropRatio {
		t.Errorf("Expected crop ratio fallback, got %f", c.config.CropRatio)
	}
}

func BenchmarkFocusCrop(b *testing.B) {
	img := createLesionImage(500, 500, image.Rect(300, 300, 420, 420))
	c := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.FocusCrop(img)
	}
}
