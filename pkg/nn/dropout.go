package nn

import (
	"fmt"
	"math/rand"
)

// Dropout describes an inverted dropout layer. Rate is the fraction of
// values zeroed during training; inference passes values through
// unchanged.
type Dropout struct {
	Rate float64
}

// Marshal returns the serializable config for the layer.
func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

func (c Dropout) String() string {
	return fmt.Sprintf("dropout %+v", c)
}

type dropout struct {
	Dropout
	in      Shape
	rng     *rand.Rand
	mask    []float32
	out, dx []float32
	active  bool
}

func (l *dropout) Init(in Shape, rng *rand.Rand) (Shape, error) {
	if l.Rate < 0 || l.Rate >= 1 {
		return Shape{}, fmt.Errorf("dropout: rate must be in [0, 1), got %g", l.Rate)
	}
	l.in = in
	l.rng = rand.New(rand.NewSource(rng.Int63()))
	return in, nil
}

func (l *dropout) Forward(x []float32, n int, train bool) []float32 {
	l.active = train && l.Rate > 0
	if !l.active {
		return x
	}

	length := n * l.in.Len()
	l.mask = ensure(l.mask, length)
	l.out = ensure(l.out, length)

	keep := float32(1 - l.Rate)
	scale := 1 / keep
	for i := 0; i < length; i++ {
		if l.rng.Float32() < keep {
			l.mask[i] = scale
		} else {
			l.mask[i] = 0
		}
		l.out[i] = x[i] * l.mask[i]
	}
	return l.out[:length]
}

func (l *dropout) Backward(grad []float32, n int) []float32 {
	if !l.active {
		return grad
	}
	length := n * l.in.Len()
	l.dx = ensure(l.dx, length)
	for i := 0; i < length; i++ {
		l.dx[i] = grad[i] * l.mask[i]
	}
	return l.dx[:length]
}
