package nn

import (
	"fmt"
	"math/rand"
)

// MaxPool describes a 2D max pooling layer with valid padding. A Stride
// of zero means the window size.
type MaxPool struct {
	Size   int
	Stride int
}

// Marshal returns the serializable config for the layer.
func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) String() string {
	return fmt.Sprintf("maxPool %+v", c)
}

type maxPool struct {
	MaxPool
	in         Shape
	outH, outW int
	out, dx    []float32
	argmax     []int32
}

func (l *maxPool) Init(in Shape, rng *rand.Rand) (Shape, error) {
	if l.Size < 1 {
		return Shape{}, fmt.Errorf("maxPool: size must be positive")
	}
	if l.Stride == 0 {
		l.Stride = l.Size
	}
	if in.H < l.Size || in.W < l.Size {
		return Shape{}, fmt.Errorf("maxPool: input %s smaller than %dx%d window", in, l.Size, l.Size)
	}
	l.in = in
	l.outH = (in.H-l.Size)/l.Stride + 1
	l.outW = (in.W-l.Size)/l.Stride + 1
	return Shape{C: in.C, H: l.outH, W: l.outW}, nil
}

func (l *maxPool) Forward(x []float32, n int, train bool) []float32 {
	outHW := l.outH * l.outW
	inHW := l.in.H * l.in.W
	outLen := l.in.C * outHW
	l.out = ensure(l.out, n*outLen)
	if cap(l.argmax) < n*outLen {
		l.argmax = make([]int32, n*outLen)
	}
	l.argmax = l.argmax[:n*outLen]

	for s := 0; s < n; s++ {
		for ch := 0; ch < l.in.C; ch++ {
			plane := x[s*l.in.Len()+ch*inHW:]
			o := s*outLen + ch*outHW
			for or := 0; or < l.outH; or++ {
				for oc := 0; oc < l.outW; oc++ {
					base := or*l.Stride*l.in.W + oc*l.Stride
					best := plane[base]
					bestIdx := int32(base)
					for fr := 0; fr < l.Size; fr++ {
						for fc := 0; fc < l.Size; fc++ {
							idx := base + fr*l.in.W + fc
							if plane[idx] > best {
								best = plane[idx]
								bestIdx = int32(idx)
							}
						}
					}
					l.out[o] = best
					l.argmax[o] = bestIdx
					o++
				}
			}
		}
	}
	return l.out[:n*outLen]
}

func (l *maxPool) Backward(grad []float32, n int) []float32 {
	outHW := l.outH * l.outW
	inHW := l.in.H * l.in.W
	outLen := l.in.C * outHW
	l.dx = ensure(l.dx, n*l.in.Len())
	for i := range l.dx {
		l.dx[i] = 0
	}

	for s := 0; s < n; s++ {
		for ch := 0; ch < l.in.C; ch++ {
			o := s*outLen + ch*outHW
			plane := l.dx[s*l.in.Len()+ch*inHW:]
			for i := 0; i < outHW; i++ {
				plane[l.argmax[o+i]] += grad[o+i]
			}
		}
	}
	return l.dx[:n*l.in.Len()]
}

// AvgPool describes a 2D average pooling layer. With Same padding the
// average is taken over the taps inside the image only.
type AvgPool struct {
	Size   int
	Stride int
	Same   bool
}

// Marshal returns the serializable config for the layer.
func (c AvgPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "avgPool", Data: marshal(c)}
}

func (c AvgPool) String() string {
	return fmt.Sprintf("avgPool %+v", c)
}

type avgPool struct {
	AvgPool
	in              Shape
	outH, outW      int
	padTop, padLeft int
	out, dx         []float32
}

func (l *avgPool) Init(in Shape, rng *rand.Rand) (Shape, error) {
	if l.Size < 1 {
		return Shape{}, fmt.Errorf("avgPool: size must be positive")
	}
	if l.Stride == 0 {
		l.Stride = l.Size
	}
	l.in = in
	if l.Same {
		l.outH = (in.H + l.Stride - 1) / l.Stride
		l.outW = (in.W + l.Stride - 1) / l.Stride
		padH := max((l.outH-1)*l.Stride+l.Size-in.H, 0)
		padW := max((l.outW-1)*l.Stride+l.Size-in.W, 0)
		l.padTop = padH / 2
		l.padLeft = padW / 2
	} else {
		if in.H < l.Size || in.W < l.Size {
			return Shape{}, fmt.Errorf("avgPool: input %s smaller than %dx%d window", in, l.Size, l.Size)
		}
		l.outH = (in.H-l.Size)/l.Stride + 1
		l.outW = (in.W-l.Size)/l.Stride + 1
	}
	return Shape{C: in.C, H: l.outH, W: l.outW}, nil
}

func (l *avgPool) window(or, oc int) (r0, r1, c0, c1 int) {
	r0 = max(or*l.Stride-l.padTop, 0)
	r1 = min(or*l.Stride-l.padTop+l.Size, l.in.H)
	c0 = max(oc*l.Stride-l.padLeft, 0)
	c1 = min(oc*l.Stride-l.padLeft+l.Size, l.in.W)
	return r0, r1, c0, c1
}

func (l *avgPool) Forward(x []float32, n int, train bool) []float32 {
	outHW := l.outH * l.outW
	inHW := l.in.H * l.in.W
	outLen := l.in.C * outHW
	l.out = ensure(l.out, n*outLen)

	for s := 0; s < n; s++ {
		for ch := 0; ch < l.in.C; ch++ {
			plane := x[s*l.in.Len()+ch*inHW:]
			o := s*outLen + ch*outHW
			for or := 0; or < l.outH; or++ {
				for oc := 0; oc < l.outW; oc++ {
					r0, r1, c0, c1 := l.window(or, oc)
					sum := float32(0)
					for r := r0; r < r1; r++ {
						for c := c0; c < c1; c++ {
							sum += plane[r*l.in.W+c]
						}
					}
					l.out[o] = sum / float32((r1-r0)*(c1-c0))
					o++
				}
			}
		}
	}
	return l.out[:n*outLen]
}

func (l *avgPool) Backward(grad []float32, n int) []float32 {
	outHW := l.outH * l.outW
	inHW := l.in.H * l.in.W
	outLen := l.in.C * outHW
	l.dx = ensure(l.dx, n*l.in.Len())
	for i := range l.dx {
		l.dx[i] = 0
	}

	for s := 0; s < n; s++ {
		for ch := 0; ch < l.in.C; ch++ {
			plane := l.dx[s*l.in.Len()+ch*inHW:]
			o := s*outLen + ch*outHW
			for or := 0; or < l.outH; or++ {
				for oc := 0; oc < l.outW; oc++ {
					r0, r1, c0, c1 := l.window(or, oc)
					g := grad[o] / float32((r1-r0)*(c1-c0))
					for r := r0; r < r1; r++ {
						for c := c0; c < c1; c++ {
							plane[r*l.in.W+c] += g
						}
					}
					o++
				}
			}
		}
	}
	return l.dx[:n*l.in.Len()]
}

// GlobalAvgPool averages each channel plane down to a single feature.
type GlobalAvgPool struct{}

// Marshal returns the serializable config for the layer.
func (c GlobalAvgPool) Marshal() LayerConfig {
	return LayerConfig{Type: "globalAvgPool"}
}

func (c GlobalAvgPool) String() string {
	return "globalAvgPool"
}

type globalAvgPool struct {
	in      Shape
	out, dx []float32
}

func (l *globalAvgPool) Init(in Shape, rng *rand.Rand) (Shape, error) {
	l.in = in
	return Shape{C: in.C, H: 1, W: 1}, nil
}

func (l *globalAvgPool) String() string {
	return GlobalAvgPool{}.String()
}

func (l *globalAvgPool) Forward(x []float32, n int, train bool) []float32 {
	inHW := l.in.H * l.in.W
	l.out = ensure(l.out, n*l.in.C)
	for s := 0; s < n; s++ {
		for ch := 0; ch < l.in.C; ch++ {
			sum := float32(0)
			for _, v := range x[s*l.in.Len()+ch*inHW : s*l.in.Len()+(ch+1)*inHW] {
				sum += v
			}
			l.out[s*l.in.C+ch] = sum / float32(inHW)
		}
	}
	return l.out[:n*l.in.C]
}

func (l *globalAvgPool) Backward(grad []float32, n int) []float32 {
	inHW := l.in.H * l.in.W
	l.dx = ensure(l.dx, n*l.in.Len())
	for s := 0; s < n; s++ {
		for ch := 0; ch < l.in.C; ch++ {
			g := grad[s*l.in.C+ch] / float32(inHW)
			plane := l.dx[s*l.in.Len()+ch*inHW : s*l.in.Len()+(ch+1)*inHW]
			for i := range plane {
				plane[i] = g
			}
		}
	}
	return l.dx[:n*l.in.Len()]
}
