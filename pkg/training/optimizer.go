package training

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/menta2k/dermclass/pkg/nn"
)

// Optimizer applies accumulated gradients to a parameter set.
type Optimizer interface {
	// Step consumes the gradients of params and updates their data.
	// Gradients are not cleared.
	Step(params []*nn.Param)
	// Rate returns the current learning rate.
	Rate() float32
	// SetRate overrides the learning rate.
	SetRate(rate float32)
	String() string
}

// SGD is stochastic gradient descent with optional momentum, Nesterov
// lookahead and weight decay.
type SGD struct {
	LR          float32
	Momentum    float32
	Nesterov    bool
	WeightDecay float32

	vel map[*nn.Param][]float32
}

// NewSGD returns a plain momentum SGD optimizer.
func NewSGD(lr, momentum float32) *SGD {
	return &SGD{LR: lr, Momentum: momentum}
}

// Rate returns the current learning rate.
func (o *SGD) Rate() float32 { return o.LR }

// SetRate overrides the learning rate.
func (o *SGD) SetRate(rate float32) { o.LR = rate }

func (o *SGD) String() string {
	return fmt.Sprintf("sgd lr=%g momentum=%g", o.LR, o.Momentum)
}

// Step updates params in place. Velocity state is kept per parameter,
// so parameters may be frozen and unfrozen between steps.
func (o *SGD) Step(params []*nn.Param) {
	if o.vel == nil {
		o.vel = make(map[*nn.Param][]float32)
	}
	for _, p := range params {
		v := o.vel[p]
		if v == nil {
			v = make([]float32, len(p.Data))
			o.vel[p] = v
		}
		for i, g := range p.Grad {
			if o.WeightDecay != 0 {
				g += o.WeightDecay * p.Data[i]
			}
			v[i] = o.Momentum*v[i] - o.LR*g
			if o.Nesterov {
				p.Data[i] += o.Momentum*v[i] - o.LR*g
			} else {
				p.Data[i] += v[i]
			}
		}
	}
}

// Adam is the Adam optimizer with bias corrected moment estimates.
type Adam struct {
	LR    float32
	Beta1 float32
	Beta2 float32
	Eps   float32

	iter  int
	state map[*nn.Param]*adamState
}

type adamState struct {
	m, v []float32
}

// NewAdam returns an Adam optimizer with the usual defaults.
func NewAdam(lr float32) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-7}
}

// Rate returns the current learning rate.
func (o *Adam) Rate() float32 { return o.LR }

// SetRate overrides the learning rate.
func (o *Adam) SetRate(rate float32) { o.LR = rate }

func (o *Adam) String() string {
	return fmt.Sprintf("adam lr=%g", o.LR)
}

// Step updates params in place.
func (o *Adam) Step(params []*nn.Param) {
	if o.state == nil {
		o.state = make(map[*nn.Param]*adamState)
	}
	o.iter++
	lrt := o.LR * math32.Sqrt(1-math32.Pow(o.Beta2, float32(o.iter))) /
		(1 - math32.Pow(o.Beta1, float32(o.iter)))

	for _, p := range params {
		st := o.state[p]
		if st == nil {
			st = &adamState{
				m: make([]float32, len(p.Data)),
				v: make([]float32, len(p.Data)),
			}
			o.state[p] = st
		}
		for i, g := range p.Grad {
			st.m[i] += (1 - o.Beta1) * (g - st.m[i])
			st.v[i] += (1 - o.Beta2) * (g*g - st.v[i])
			p.Data[i] -= lrt * st.m[i] / (math32.Sqrt(st.v[i]) + o.Eps)
		}
	}
}
