package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Dense describes a fully connected layer. Input of any shape is
// treated as a flat feature vector.
type Dense struct {
	Units int
}

// Marshal returns the serializable config for the layer.
func (c Dense) Marshal() LayerConfig {
	return LayerConfig{Type: "dense", Data: marshal(c)}
}

func (c Dense) String() string {
	return fmt.Sprintf("dense %+v", c)
}

type dense struct {
	Dense
	paramBase
	features int
	w, b     *Param
	x        []float32
	out, dx  []float32
}

func (l *dense) Init(in Shape, rng *rand.Rand) (Shape, error) {
	if l.Units < 1 {
		return Shape{}, fmt.Errorf("dense: units must be positive")
	}
	l.features = in.Len()

	std := math.Sqrt(2.0 / float64(l.features))
	w := make([]float32, l.Units*l.features)
	for i := range w {
		w[i] = float32(rng.NormFloat64() * std)
	}
	l.w = &Param{Name: "w", Data: w, Grad: make([]float32, len(w))}
	l.b = &Param{Name: "b", Data: make([]float32, l.Units), Grad: make([]float32, l.Units)}

	l.trainable = true
	return Shape{C: l.Units, H: 1, W: 1}, nil
}

func (l *dense) Params() []*Param {
	return []*Param{l.w, l.b}
}

func (l *dense) Forward(x []float32, n int, train bool) []float32 {
	l.x = x
	l.out = ensure(l.out, n*l.Units)
	for s := 0; s < n; s++ {
		copy(l.out[s*l.Units:(s+1)*l.Units], l.b.Data)
	}

	xm := blas32.General{Rows: n, Cols: l.features, Stride: l.features, Data: x}
	w := blas32.General{Rows: l.Units, Cols: l.features, Stride: l.features, Data: l.w.Data}
	y := blas32.General{Rows: n, Cols: l.Units, Stride: l.Units, Data: l.out}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, xm, w, 1, y)
	return l.out[:n*l.Units]
}

func (l *dense) Backward(grad []float32, n int) []float32 {
	l.dx = ensure(l.dx, n*l.features)

	dy := blas32.General{Rows: n, Cols: l.Units, Stride: l.Units, Data: grad}
	if l.trainable {
		xm := blas32.General{Rows: n, Cols: l.features, Stride: l.features, Data: l.x}
		dw := blas32.General{Rows: l.Units, Cols: l.features, Stride: l.features, Data: l.w.Grad}
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, dy, xm, 1, dw)
		for s := 0; s < n; s++ {
			for u := 0; u < l.Units; u++ {
				l.b.Grad[u] += grad[s*l.Units+u]
			}
		}
	}

	w := blas32.General{Rows: l.Units, Cols: l.features, Stride: l.features, Data: l.w.Data}
	dx := blas32.General{Rows: n, Cols: l.features, Stride: l.features, Data: l.dx}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, dy, w, 0, dx)
	return l.dx[:n*l.features]
}

// Flatten reshapes spatial input to a flat feature vector.
type Flatten struct{}

// Marshal returns the serializable config for the layer.
func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

func (c Flatten) String() string {
	return "flatten"
}

type flatten struct {
	in Shape
}

func (l *flatten) Init(in Shape, rng *rand.Rand) (Shape, error) {
	l.in = in
	return Shape{C: in.Len(), H: 1, W: 1}, nil
}

func (l *flatten) String() string {
	return Flatten{}.String()
}

func (l *flatten) Forward(x []float32, n int, train bool) []float32 {
	return x
}

func (l *flatten) Backward(grad []float32, n int) []float32 {
	return grad
}
