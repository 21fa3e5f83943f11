package dataset

import (
	"fmt"
	"image"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// FocusCropper narrows an image to its subject region before resizing.
type FocusCropper interface {
	FocusCrop(img image.Image) image.Image
}

// LoadOptions control dataset loading.
type LoadOptions struct {
	Edge       int
	Extensions []string
	Cropper    FocusCropper
	Workers    int
}

// DecodeImage loads an image from a file path with WebP support
func DecodeImage(path string) (image.Image, error) {
	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), ".webp") {
		if img, err := webp.Decode(f); err == nil {
			return img, nil
		}
		if _, err := f.Seek(0, 0); err != nil {
			return nil, err
		}
	}
	if img, _, err := image.Decode(f); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown format for %s", path)
}

// ToTensor resizes img to a square of the given edge and converts it to
// a channel-major float32 tensor with values scaled to [0,1]. The
// resize does not preserve aspect ratio.
func ToTensor(img image.Image, edge int) []float32 {
	resized := imaging.Resize(img, edge, edge, imaging.Lanczos)

	plane := edge * edge
	t := make([]float32, 3*plane)
	i := 0
	for y := 0; y < edge; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < edge; x++ {
			t[i] = float32(row[x*4]) / 255
			t[plane+i] = float32(row[x*4+1]) / 255
			t[2*plane+i] = float32(row[x*4+2]) / 255
			i++
		}
	}
	return t
}

// Load scans dir and decodes every image into a Dataset, using a pool
// of worker goroutines. A file that cannot be decoded fails the whole
// load with an error naming the file.
func Load(dir string, opts LoadOptions) (*Dataset, error) {
	if opts.Edge <= 0 {
		return nil, fmt.Errorf("load edge must be positive, got %d", opts.Edge)
	}

	idx, err := Scan(dir, opts.Extensions)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		Classes: idx.Classes,
		Edge:    opts.Edge,
		X:       make([][]float32, len(idx.Samples)),
		Y:       make([]int, len(idx.Samples)),
		Paths:   make([]string, len(idx.Samples)),
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	jobs := make(chan int, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				s := idx.Samples[i]
				img, err := DecodeImage(s.Path)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("failed to decode %s: %w", s.Path, err)
					}
					mu.Unlock()
					continue
				}
				if opts.Cropper != nil {
					img = opts.Cropper.FocusCrop(img)
				}
				ds.X[i] = ToTensor(img, opts.Edge)
				ds.Y[i] = s.Label
				ds.Paths[i] = s.Path
			}
		}()
	}

	for i := range idx.Samples {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return ds, nil
}
