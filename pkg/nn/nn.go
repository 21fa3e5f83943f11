// Package nn implements the layers and network plumbing used to train
// and run convolutional image classifiers on the CPU. Tensors are plain
// float32 slices, sample-major with channel-major samples, and the
// heavy lifting goes through gonum blas32. Build with the netlib tag
// to replace the pure Go kernels with the system CBLAS.
package nn

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// Shape describes the per-sample dimensions flowing between layers.
// Dense data uses C as the feature count with H = W = 1.
type Shape struct {
	C, H, W int
}

// Len returns the number of values in one sample.
func (s Shape) Len() int {
	return s.C * s.H * s.W
}

func (s Shape) String() string {
	if s.H == 1 && s.W == 1 {
		return fmt.Sprintf("[%d]", s.C)
	}
	return fmt.Sprintf("[%dx%dx%d]", s.C, s.H, s.W)
}

// Param is one tensor of network state. Fixed params, such as batch
// norm running statistics, are saved and loaded with the weights but
// never touched by optimizers.
type Param struct {
	Name  string
	Data  []float32
	Grad  []float32
	Fixed bool
}

// Layer is one stage of the network.
type Layer interface {
	// Init validates the input shape, allocates parameters and returns
	// the output shape.
	Init(in Shape, rng *rand.Rand) (Shape, error)
	// Forward computes the layer output for a batch of n samples.
	// The returned slice is owned by the layer and valid until the
	// next Forward call.
	Forward(x []float32, n int, train bool) []float32
	// Backward consumes the gradient of the loss with respect to the
	// layer output and returns the gradient with respect to its input,
	// accumulating parameter gradients along the way.
	Backward(grad []float32, n int) []float32
	String() string
}

// ParamLayer is a layer with learnable parameters.
type ParamLayer interface {
	Layer
	Params() []*Param
	Trainable() bool
	SetTrainable(on bool)
}

// OutputLayer is the final layer of a classifier. Its Backward takes
// the one-hot target matrix rather than an upstream gradient.
type OutputLayer interface {
	Layer
	// Loss returns the mean loss over the batch most recently passed
	// through Forward.
	Loss(yOneHot []float32, n int) float32
}

// LayerConfig is the serializable description of one layer.
type LayerConfig struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ConfigLayer is implemented by the layer description types.
type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal constructs the layer a config describes.
func (l LayerConfig) Unmarshal() (Layer, error) {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		if err := decode(l.Data, cfg); err != nil {
			return nil, err
		}
		return &conv{Conv: *cfg}, nil
	case "maxPool":
		cfg := new(MaxPool)
		if err := decode(l.Data, cfg); err != nil {
			return nil, err
		}
		return &maxPool{MaxPool: *cfg}, nil
	case "avgPool":
		cfg := new(AvgPool)
		if err := decode(l.Data, cfg); err != nil {
			return nil, err
		}
		return &avgPool{AvgPool: *cfg}, nil
	case "globalAvgPool":
		return &globalAvgPool{}, nil
	case "dense":
		cfg := new(Dense)
		if err := decode(l.Data, cfg); err != nil {
			return nil, err
		}
		return &dense{Dense: *cfg}, nil
	case "batchNorm":
		cfg := new(BatchNorm)
		if err := decode(l.Data, cfg); err != nil {
			return nil, err
		}
		return &batchNorm{BatchNorm: *cfg}, nil
	case "relu":
		return &relu{}, nil
	case "softmax":
		return &softmax{}, nil
	case "dropout":
		cfg := new(Dropout)
		if err := decode(l.Data, cfg); err != nil {
			return nil, err
		}
		return &dropout{Dropout: *cfg}, nil
	case "flatten":
		return &flatten{}, nil
	case "branch":
		cfg := new(Branch)
		if err := decode(l.Data, cfg); err != nil {
			return nil, err
		}
		return &branch{Branch: *cfg}, nil
	default:
		return nil, fmt.Errorf("invalid layer type: %s", l.Type)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse layer config: %w", err)
	}
	return nil
}

// marshal encodes a layer description. Descriptions are plain structs
// so failure is a programming error.
func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// ensure returns buf resized to n values, reallocating when needed.
func ensure(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}
