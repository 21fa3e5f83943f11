// Package augment applies random affine and photometric distortions to
// channel-major float32 image tensors during training.
package augment

import (
	"math"
	"math/rand"
	"runtime"
	"sync"

	"github.com/chewxy/math32"
	"github.com/seehuhn/mt19937"
)

// Fill modes for pixels sampled outside the source image.
const (
	FillNearest = "nearest"
	FillReflect = "reflect"
	FillZero    = "zero"
)

// Config describes the distortion ranges. A zero value for a range
// disables that distortion. RotationRange is in degrees, ShearRange is
// the maximum shear factor, shift ranges are fractions of the image
// edge and ZoomRange z draws scales from [1-z, 1+z] per axis.
type Config struct {
	RotationRange    float64
	WidthShiftRange  float64
	HeightShiftRange float64
	ShearRange       float64
	ZoomRange        float64
	HorizontalFlip   bool
	BrightnessRange  [2]float64
	FillMode         string
}

// DefaultConfig returns the distortion ranges used for training.
func DefaultConfig() Config {
	return Config{
		RotationRange:    40,
		WidthShiftRange:  0.2,
		HeightShiftRange: 0.2,
		ShearRange:       0.2,
		ZoomRange:        0.2,
		HorizontalFlip:   true,
		FillMode:         FillNearest,
	}
}

// params are the distortion values drawn for a single image.
type params struct {
	m          [4]float32 // inverse affine matrix, row major
	tx, ty     float32
	flip       bool
	brightness float32
}

// Augmenter draws random distortion parameters and warps image tensors.
// Apply is safe for concurrent use.
type Augmenter struct {
	cfg Config
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an augmenter with the given distortion config and seed.
func New(cfg Config, seed int64) *Augmenter {
	if cfg.FillMode == "" {
		cfg.FillMode = FillNearest
	}
	rng := rand.New(mt19937.New())
	rng.Seed(seed)
	return &Augmenter{cfg: cfg, rng: rng}
}

// draw samples one set of distortion parameters. Parameters are only
// drawn for distortions with a nonzero range so disabling a distortion
// leaves the rng stream of the others unchanged.
func (a *Augmenter) draw() params {
	a.mu.Lock()
	defer a.mu.Unlock()

	var p params
	p.brightness = 1

	theta := 0.0
	if a.cfg.RotationRange != 0 {
		theta = a.cfg.RotationRange * (math.Pi / 180) * (2*a.rng.Float64() - 1)
	}
	shear := 0.0
	if a.cfg.ShearRange != 0 {
		shear = a.cfg.ShearRange * (2*a.rng.Float64() - 1)
	}
	zx, zy := 1.0, 1.0
	if a.cfg.ZoomRange != 0 {
		zx = 1 + a.cfg.ZoomRange*(2*a.rng.Float64()-1)
		zy = 1 + a.cfg.ZoomRange*(2*a.rng.Float64()-1)
	}
	if a.cfg.WidthShiftRange != 0 {
		p.tx = float32(a.cfg.WidthShiftRange * (2*a.rng.Float64() - 1))
	}
	if a.cfg.HeightShiftRange != 0 {
		p.ty = float32(a.cfg.HeightShiftRange * (2*a.rng.Float64() - 1))
	}
	if a.cfg.HorizontalFlip {
		p.flip = a.rng.Float64() < 0.5
	}
	if a.cfg.BrightnessRange[0] != 0 || a.cfg.BrightnessRange[1] != 0 {
		lo, hi := a.cfg.BrightnessRange[0], a.cfg.BrightnessRange[1]
		p.brightness = float32(lo + (hi-lo)*a.rng.Float64())
	}

	// Forward map is rotation, then shear, then zoom. Store the inverse
	// so each output pixel can be pulled from its source position.
	sin, cos := math.Sincos(theta)
	m00 := cos * zx
	m01 := (-shear*cos - sin) * zy
	m10 := sin * zx
	m11 := (cos - shear*sin) * zy
	det := m00*m11 - m01*m10
	if det == 0 {
		det = 1
	}
	p.m[0] = float32(m11 / det)
	p.m[1] = float32(-m01 / det)
	p.m[2] = float32(-m10 / det)
	p.m[3] = float32(m00 / det)
	return p
}

// Apply warps src into dst. Both tensors are channel-major with three
// planes of edge*edge pixels. dst and src must not alias.
func (a *Augmenter) Apply(dst, src []float32, edge int) {
	a.warp(dst, src, edge, a.draw())
}

// TransformBatch warps a batch of tensors using a pool of workers, one
// per available CPU. dst[i] receives the distorted src[i].
func (a *Augmenter) TransformBatch(dst, src [][]float32, edge int) {
	workers := min(runtime.GOMAXPROCS(0), len(src))
	queue := make(chan int, len(src))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				a.Apply(dst[i], src[i], edge)
			}
		}()
	}
	for i := range src {
		queue <- i
	}
	close(queue)
	wg.Wait()
}

func (a *Augmenter) warp(dst, src []float32, edge int, p params) {
	w := edge
	plane := w * w
	cx := float32(w-1) / 2
	cy := cx
	tx := p.tx * float32(w)
	ty := p.ty * float32(w)

	for y := 0; y < w; y++ {
		yv := float32(y) - cy - ty
		for x := 0; x < w; x++ {
			xv := float32(x) - cx - tx

			sx := p.m[0]*xv + p.m[1]*yv + cx
			sy := p.m[2]*xv + p.m[3]*yv + cy
			if p.flip {
				sx = float32(w-1) - sx
			}

			ix := int(math32.Floor(sx))
			iy := int(math32.Floor(sy))
			xf := sx - float32(ix)
			yf := sy - float32(iy)

			pos := y*w + x
			for c := 0; c < 3; c++ {
				pix := src[c*plane : (c+1)*plane]
				v00 := a.at(pix, w, ix, iy)
				v10 := a.at(pix, w, ix+1, iy)
				v01 := a.at(pix, w, ix, iy+1)
				v11 := a.at(pix, w, ix+1, iy+1)
				v := (v00*(1-xf)+v10*xf)*(1-yf) + (v01*(1-xf)+v11*xf)*yf
				if p.brightness != 1 {
					v = clamp(v*p.brightness, 0, 1)
				}
				dst[c*plane+pos] = v
			}
		}
	}
}

// at samples one pixel, resolving out-of-range coordinates with the
// configured fill mode.
func (a *Augmenter) at(pix []float32, w, x, y int) float32 {
	if x < 0 || x >= w || y < 0 || y >= w {
		switch a.cfg.FillMode {
		case FillZero:
			return 0
		case FillReflect:
			x = reflect(x, w)
			y = reflect(y, w)
		default:
			x = clampInt(x, 0, w-1)
			y = clampInt(y, 0, w-1)
		}
	}
	return pix[y*w+x]
}

func reflect(x, dx int) int {
	for x < 0 || x >= dx {
		if x < 0 {
			x = -x - 1
		}
		if x >= dx {
			x = 2*dx - x - 1
		}
	}
	return x
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}

func clampInt(x, x0, x1 int) int {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
