package nn

import (
	"fmt"
	"math/rand"
	"strings"
)

// Branch describes parallel layer paths whose outputs are concatenated
// on the channel axis. All paths see the same input and must produce
// matching spatial dimensions.
type Branch struct {
	Paths [][]LayerConfig
}

// Marshal returns the serializable config for the layer.
func (c Branch) Marshal() LayerConfig {
	return LayerConfig{Type: "branch", Data: marshal(c)}
}

func (c Branch) String() string {
	parts := make([]string, len(c.Paths))
	for i, path := range c.Paths {
		names := make([]string, len(path))
		for j, lc := range path {
			names[j] = lc.Type
		}
		parts[i] = strings.Join(names, ">")
	}
	return fmt.Sprintf("branch [%s]", strings.Join(parts, " | "))
}

type branch struct {
	Branch
	in       Shape
	outShape Shape
	paths    [][]Layer
	chans    []int
	out, dx  []float32
	pathGrad [][]float32
}

func (l *branch) Init(in Shape, rng *rand.Rand) (Shape, error) {
	if len(l.Paths) < 2 {
		return Shape{}, fmt.Errorf("branch: need at least two paths")
	}
	l.in = in

	totalC := 0
	outH, outW := -1, -1
	for pi, cfgs := range l.Paths {
		var layers []Layer
		shape := in
		for _, cfg := range cfgs {
			layer, err := cfg.Unmarshal()
			if err != nil {
				return Shape{}, err
			}
			shape, err = layer.Init(shape, rng)
			if err != nil {
				return Shape{}, fmt.Errorf("branch path %d: %w", pi, err)
			}
			layers = append(layers, layer)
		}
		if outH < 0 {
			outH, outW = shape.H, shape.W
		} else if shape.H != outH || shape.W != outW {
			return Shape{}, fmt.Errorf("branch path %d: output %s does not match %dx%d", pi, shape, outH, outW)
		}
		l.paths = append(l.paths, layers)
		l.chans = append(l.chans, shape.C)
		totalC += shape.C
	}

	l.outShape = Shape{C: totalC, H: outH, W: outW}
	l.pathGrad = make([][]float32, len(l.paths))
	return l.outShape, nil
}

// Params returns the parameters of every layer in every path.
func (l *branch) Params() []*Param {
	var params []*Param
	for _, path := range l.paths {
		for _, layer := range path {
			if pl, ok := layer.(ParamLayer); ok {
				params = append(params, pl.Params()...)
			}
		}
	}
	return params
}

func (l *branch) Trainable() bool {
	for _, path := range l.paths {
		for _, layer := range path {
			if pl, ok := layer.(ParamLayer); ok && pl.Trainable() {
				return true
			}
		}
	}
	return false
}

func (l *branch) SetTrainable(on bool) {
	for _, path := range l.paths {
		for _, layer := range path {
			if pl, ok := layer.(ParamLayer); ok {
				pl.SetTrainable(on)
			}
		}
	}
}

func (l *branch) Forward(x []float32, n int, train bool) []float32 {
	outLen := l.outShape.Len()
	hw := l.outShape.H * l.outShape.W
	l.out = ensure(l.out, n*outLen)

	chOff := 0
	for pi, path := range l.paths {
		y := x
		for _, layer := range path {
			y = layer.Forward(y, n, train)
		}
		pathLen := l.chans[pi] * hw
		for s := 0; s < n; s++ {
			copy(l.out[s*outLen+chOff*hw:s*outLen+chOff*hw+pathLen], y[s*pathLen:(s+1)*pathLen])
		}
		chOff += l.chans[pi]
	}
	return l.out[:n*outLen]
}

func (l *branch) Backward(grad []float32, n int) []float32 {
	outLen := l.outShape.Len()
	inLen := l.in.Len()
	hw := l.outShape.H * l.outShape.W
	l.dx = ensure(l.dx, n*inLen)
	for i := range l.dx {
		l.dx[i] = 0
	}

	chOff := 0
	for pi, path := range l.paths {
		pathLen := l.chans[pi] * hw
		l.pathGrad[pi] = ensure(l.pathGrad[pi], n*pathLen)
		for s := 0; s < n; s++ {
			copy(l.pathGrad[pi][s*pathLen:(s+1)*pathLen], grad[s*outLen+chOff*hw:s*outLen+chOff*hw+pathLen])
		}

		g := l.pathGrad[pi][:n*pathLen]
		for i := len(path) - 1; i >= 0; i-- {
			g = path[i].Backward(g, n)
		}
		for i, v := range g[:n*inLen] {
			l.dx[i] += v
		}
		chOff += l.chans[pi]
	}
	return l.dx[:n*inLen]
}
