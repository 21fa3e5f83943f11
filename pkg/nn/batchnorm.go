package nn

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
)

// BatchNorm describes per-channel batch normalization. Zero Momentum
// and Eps select the defaults of 0.99 and 1e-3. Dense input is
// normalized per feature.
type BatchNorm struct {
	Momentum float64
	Eps      float64
}

// Marshal returns the serializable config for the layer.
func (c BatchNorm) Marshal() LayerConfig {
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) String() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

type batchNorm struct {
	BatchNorm
	paramBase
	in          Shape
	gamma, beta *Param
	rmean, rvar *Param
	xhat        []float32
	invstd      []float32
	out, dx     []float32
	usedBatch   bool
}

func (l *batchNorm) Init(in Shape, rng *rand.Rand) (Shape, error) {
	if l.Momentum == 0 {
		l.Momentum = 0.99
	}
	if l.Eps == 0 {
		l.Eps = 1e-3
	}
	l.in = in

	gamma := make([]float32, in.C)
	rvar := make([]float32, in.C)
	for i := range gamma {
		gamma[i] = 1
		rvar[i] = 1
	}
	l.gamma = &Param{Name: "gamma", Data: gamma, Grad: make([]float32, in.C)}
	l.beta = &Param{Name: "beta", Data: make([]float32, in.C), Grad: make([]float32, in.C)}
	l.rmean = &Param{Name: "runningMean", Data: make([]float32, in.C), Fixed: true}
	l.rvar = &Param{Name: "runningVar", Data: rvar, Fixed: true}
	l.invstd = make([]float32, in.C)

	l.trainable = true
	return in, nil
}

func (l *batchNorm) Params() []*Param {
	return []*Param{l.gamma, l.beta, l.rmean, l.rvar}
}

// Forward normalizes with batch statistics only while training with the
// layer trainable. A frozen batch norm layer keeps using its running
// statistics, so freezing the backbone leaves its normalization
// behavior unchanged.
func (l *batchNorm) Forward(x []float32, n int, train bool) []float32 {
	hw := l.in.H * l.in.W
	length := l.in.Len()
	l.out = ensure(l.out, n*length)
	l.usedBatch = train && l.trainable

	if !l.usedBatch {
		for ch := 0; ch < l.in.C; ch++ {
			l.invstd[ch] = 1 / math32.Sqrt(l.rvar.Data[ch]+float32(l.Eps))
		}
		for s := 0; s < n; s++ {
			for ch := 0; ch < l.in.C; ch++ {
				off := s*length + ch*hw
				mean := l.rmean.Data[ch]
				scale := l.gamma.Data[ch] * l.invstd[ch]
				shift := l.beta.Data[ch]
				for i := 0; i < hw; i++ {
					l.out[off+i] = (x[off+i]-mean)*scale + shift
				}
			}
		}
		return l.out[:n*length]
	}

	l.xhat = ensure(l.xhat, n*length)
	m := float32(n * hw)
	momentum := float32(l.Momentum)

	for ch := 0; ch < l.in.C; ch++ {
		sum := float32(0)
		for s := 0; s < n; s++ {
			off := s*length + ch*hw
			for i := 0; i < hw; i++ {
				sum += x[off+i]
			}
		}
		mean := sum / m

		sq := float32(0)
		for s := 0; s < n; s++ {
			off := s*length + ch*hw
			for i := 0; i < hw; i++ {
				d := x[off+i] - mean
				sq += d * d
			}
		}
		variance := sq / m
		l.invstd[ch] = 1 / math32.Sqrt(variance+float32(l.Eps))

		l.rmean.Data[ch] = momentum*l.rmean.Data[ch] + (1-momentum)*mean
		l.rvar.Data[ch] = momentum*l.rvar.Data[ch] + (1-momentum)*variance

		scale := l.gamma.Data[ch]
		shift := l.beta.Data[ch]
		for s := 0; s < n; s++ {
			off := s*length + ch*hw
			for i := 0; i < hw; i++ {
				xh := (x[off+i] - mean) * l.invstd[ch]
				l.xhat[off+i] = xh
				l.out[off+i] = scale*xh + shift
			}
		}
	}
	return l.out[:n*length]
}

func (l *batchNorm) Backward(grad []float32, n int) []float32 {
	hw := l.in.H * l.in.W
	length := l.in.Len()
	l.dx = ensure(l.dx, n*length)

	if !l.usedBatch {
		// Inference-mode pass: statistics are constants.
		for ch := 0; ch < l.in.C; ch++ {
			scale := l.gamma.Data[ch] * l.invstd[ch]
			for s := 0; s < n; s++ {
				off := s*length + ch*hw
				for i := 0; i < hw; i++ {
					l.dx[off+i] = grad[off+i] * scale
				}
			}
		}
		return l.dx[:n*length]
	}

	m := float32(n * hw)
	for ch := 0; ch < l.in.C; ch++ {
		sumDy := float32(0)
		sumDyXhat := float32(0)
		for s := 0; s < n; s++ {
			off := s*length + ch*hw
			for i := 0; i < hw; i++ {
				sumDy += grad[off+i]
				sumDyXhat += grad[off+i] * l.xhat[off+i]
			}
		}
		l.gamma.Grad[ch] += sumDyXhat
		l.beta.Grad[ch] += sumDy

		k := l.gamma.Data[ch] * l.invstd[ch] / m
		for s := 0; s < n; s++ {
			off := s*length + ch*hw
			for i := 0; i < hw; i++ {
				l.dx[off+i] = k * (m*grad[off+i] - sumDy - l.xhat[off+i]*sumDyXhat)
			}
		}
	}
	return l.dx[:n*length]
}
