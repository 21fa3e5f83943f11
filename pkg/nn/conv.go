package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv describes a 2D convolution layer. Same selects TensorFlow-style
// same padding, otherwise the convolution is valid. A Stride of zero
// means one.
type Conv struct {
	Filters int
	Size    int
	Stride  int
	Same    bool
	NoBias  bool
}

// Marshal returns the serializable config for the layer.
func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) String() string {
	return fmt.Sprintf("conv %+v", c)
}

// paramBase carries the trainable flag shared by all param layers.
type paramBase struct {
	trainable bool
}

func (p *paramBase) Trainable() bool { return p.trainable }

func (p *paramBase) SetTrainable(on bool) { p.trainable = on }

type conv struct {
	Conv
	paramBase
	in              Shape
	outH, outW      int
	padTop, padLeft int
	w, b            *Param
	x               []float32
	out, dx         []float32
	col, dcol       []float32
}

func (l *conv) Init(in Shape, rng *rand.Rand) (Shape, error) {
	if l.Filters < 1 || l.Size < 1 {
		return Shape{}, fmt.Errorf("conv: filters and size must be positive")
	}
	if l.Stride == 0 {
		l.Stride = 1
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
			return Shape{}, fmt.Errorf("conv: input %s smaller than %dx%d kernel", in, l.Size, l.Size)
		}
		l.outH = (in.H-l.Size)/l.Stride + 1
		l.outW = (in.W-l.Size)/l.Stride + 1
	}

	fanIn := in.C * l.Size * l.Size
	std := math.Sqrt(2.0 / float64(fanIn))
	w := make([]float32, l.Filters*fanIn)
	for i := range w {
		w[i] = float32(rng.NormFloat64() * std)
	}
	l.w = &Param{Name: "w", Data: w, Grad: make([]float32, len(w))}
	if !l.NoBias {
		l.b = &Param{Name: "b", Data: make([]float32, l.Filters), Grad: make([]float32, l.Filters)}
	}

	l.trainable = true
	return Shape{C: l.Filters, H: l.outH, W: l.outW}, nil
}

func (l *conv) Params() []*Param {
	if l.b == nil {
		return []*Param{l.w}
	}
	return []*Param{l.w, l.b}
}

func (l *conv) kk() int { return l.in.C * l.Size * l.Size }

func (l *conv) Forward(x []float32, n int, train bool) []float32 {
	outHW := l.outH * l.outW
	outLen := l.Filters * outHW
	l.x = x
	l.out = ensure(l.out, n*outLen)
	l.col = ensure(l.col, outHW*l.kk())

	w := blas32.General{Rows: l.Filters, Cols: l.kk(), Stride: l.kk(), Data: l.w.Data}
	for s := 0; s < n; s++ {
		l.im2col(x[s*l.in.Len():(s+1)*l.in.Len()], l.col)
		col := blas32.General{Rows: outHW, Cols: l.kk(), Stride: l.kk(), Data: l.col}
		y := blas32.General{Rows: l.Filters, Cols: outHW, Stride: outHW, Data: l.out[s*outLen : (s+1)*outLen]}

		if l.b != nil {
			for f := 0; f < l.Filters; f++ {
				row := y.Data[f*outHW : (f+1)*outHW]
				bias := l.b.Data[f]
				for i := range row {
					row[i] = bias
				}
			}
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, w, col, 1, y)
		} else {
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, w, col, 0, y)
		}
	}
	return l.out[:n*outLen]
}

func (l *conv) Backward(grad []float32, n int) []float32 {
	outHW := l.outH * l.outW
	outLen := l.Filters * outHW
	inLen := l.in.Len()
	l.dx = ensure(l.dx, n*inLen)
	l.dcol = ensure(l.dcol, l.kk()*outHW)
	l.col = ensure(l.col, outHW*l.kk())

	w := blas32.General{Rows: l.Filters, Cols: l.kk(), Stride: l.kk(), Data: l.w.Data}
	dw := blas32.General{Rows: l.Filters, Cols: l.kk(), Stride: l.kk(), Data: l.w.Grad}

	for s := 0; s < n; s++ {
		dy := blas32.General{Rows: l.Filters, Cols: outHW, Stride: outHW, Data: grad[s*outLen : (s+1)*outLen]}

		if l.trainable {
			l.im2col(l.x[s*inLen:(s+1)*inLen], l.col)
			col := blas32.General{Rows: outHW, Cols: l.kk(), Stride: l.kk(), Data: l.col}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dy, col, 1, dw)
			if l.b != nil {
				for f := 0; f < l.Filters; f++ {
					sum := float32(0)
					for _, v := range dy.Data[f*outHW : (f+1)*outHW] {
						sum += v
					}
					l.b.Grad[f] += sum
				}
			}
		}

		dcol := blas32.General{Rows: l.kk(), Cols: outHW, Stride: outHW, Data: l.dcol}
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, w, dy, 0, dcol)

		dx := l.dx[s*inLen : (s+1)*inLen]
		for i := range dx {
			dx[i] = 0
		}
		l.col2im(l.dcol, dx)
	}
	return l.dx[:n*inLen]
}

// im2col lowers one padded sample into a matrix with one row per output
// position and one column per (channel, kernel row, kernel col) tap.
func (l *conv) im2col(x, col []float32) {
	idx := 0
	for or := 0; or < l.outH; or++ {
		for oc := 0; oc < l.outW; oc++ {
			for ch := 0; ch < l.in.C; ch++ {
				plane := x[ch*l.in.H*l.in.W:]
				for fr := 0; fr < l.Size; fr++ {
					row := or*l.Stride + fr - l.padTop
					for fc := 0; fc < l.Size; fc++ {
						c := oc*l.Stride + fc - l.padLeft
						if row >= 0 && row < l.in.H && c >= 0 && c < l.in.W {
							col[idx] = plane[row*l.in.W+c]
						} else {
							col[idx] = 0
						}
						idx++
					}
				}
			}
		}
	}
}

// col2im scatters column gradients back onto one input sample,
// accumulating where kernel windows overlap.
func (l *conv) col2im(dcol, dx []float32) {
	outHW := l.outH * l.outW
	row := 0
	for ch := 0; ch < l.in.C; ch++ {
		plane := dx[ch*l.in.H*l.in.W:]
		for fr := 0; fr < l.Size; fr++ {
			for fc := 0; fc < l.Size; fc++ {
				d := dcol[row*outHW:]
				i := 0
				for or := 0; or < l.outH; or++ {
					r := or*l.Stride + fr - l.padTop
					for oc := 0; oc < l.outW; oc++ {
						c := oc*l.Stride + fc - l.padLeft
						if r >= 0 && r < l.in.H && c >= 0 && c < l.in.W {
							plane[r*l.in.W+c] += d[i]
						}
						i++
					}
				}
				row++
			}
		}
	}
}
