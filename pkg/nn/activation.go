package nn

import (
	"math/rand"

	"github.com/chewxy/math32"
)

// ReLU describes a rectified linear activation.
type ReLU struct{}

// Marshal returns the serializable config for the layer.
func (c ReLU) Marshal() LayerConfig {
	return LayerConfig{Type: "relu"}
}

func (c ReLU) String() string {
	return "relu"
}

type relu struct {
	in      Shape
	x       []float32
	out, dx []float32
}

func (l *relu) Init(in Shape, rng *rand.Rand) (Shape, error) {
	l.in = in
	return in, nil
}

func (l *relu) String() string {
	return ReLU{}.String()
}

func (l *relu) Forward(x []float32, n int, train bool) []float32 {
	l.x = x
	l.out = ensure(l.out, n*l.in.Len())
	for i, v := range x[:n*l.in.Len()] {
		if v > 0 {
			l.out[i] = v
		} else {
			l.out[i] = 0
		}
	}
	return l.out[:n*l.in.Len()]
}

func (l *relu) Backward(grad []float32, n int) []float32 {
	l.dx = ensure(l.dx, n*l.in.Len())
	for i, v := range l.x[:n*l.in.Len()] {
		if v > 0 {
			l.dx[i] = grad[i]
		} else {
			l.dx[i] = 0
		}
	}
	return l.dx[:n*l.in.Len()]
}

// Softmax describes the classifier output layer. It pairs with
// categorical cross-entropy: Backward takes the one-hot target matrix
// and yields the fused softmax cross-entropy gradient.
type Softmax struct{}

// Marshal returns the serializable config for the layer.
func (c Softmax) Marshal() LayerConfig {
	return LayerConfig{Type: "softmax"}
}

func (c Softmax) String() string {
	return "softmax"
}

type softmax struct {
	classes int
	out, dx []float32
}

func (l *softmax) Init(in Shape, rng *rand.Rand) (Shape, error) {
	l.classes = in.Len()
	return Shape{C: l.classes, H: 1, W: 1}, nil
}

func (l *softmax) String() string {
	return Softmax{}.String()
}

func (l *softmax) Forward(x []float32, n int, train bool) []float32 {
	l.out = ensure(l.out, n*l.classes)
	for s := 0; s < n; s++ {
		row := x[s*l.classes : (s+1)*l.classes]
		out := l.out[s*l.classes : (s+1)*l.classes]

		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		sum := float32(0)
		for i, v := range row {
			e := math32.Exp(v - maxv)
			out[i] = e
			sum += e
		}
		for i := range out {
			out[i] /= sum
		}
	}
	return l.out[:n*l.classes]
}

// Backward receives the one-hot targets and returns (p - y) / n, the
// gradient of the mean cross-entropy with respect to the logits.
func (l *softmax) Backward(yOneHot []float32, n int) []float32 {
	l.dx = ensure(l.dx, n*l.classes)
	inv := 1 / float32(n)
	for i := range l.dx[:n*l.classes] {
		l.dx[i] = (l.out[i] - yOneHot[i]) * inv
	}
	return l.dx[:n*l.classes]
}

// Loss returns the mean categorical cross-entropy of the batch most
// recently passed through Forward.
func (l *softmax) Loss(yOneHot []float32, n int) float32 {
	const tiny = 1e-12
	loss := float32(0)
	for i, y := range yOneHot[:n*l.classes] {
		if y != 0 {
			loss -= y * math32.Log(l.out[i]+tiny)
		}
	}
	return loss / float32(n)
}
