package nn

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/seehuhn/mt19937"
)

// Network is a stack of layers ending in an output layer. Parameters
// are initialized from the seed so the same seed rebuilds the same
// starting weights.
type Network struct {
	In     Shape
	Layers []Layer

	cfgs   []LayerConfig
	shapes []Shape
	out    OutputLayer
}

// New builds a network from layer configs. The final config must
// describe an output layer.
func New(in Shape, seed int64, cfgs []LayerConfig) (*Network, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("network needs at least one layer")
	}

	rng := rand.New(mt19937.New())
	rng.Seed(seed)

	n := &Network{In: in, cfgs: append([]LayerConfig(nil), cfgs...)}
	shape := in
	for i, cfg := range cfgs {
		layer, err := cfg.Unmarshal()
		if err != nil {
			return nil, err
		}
		shape, err = layer.Init(shape, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, cfg.Type, err)
		}
		n.Layers = append(n.Layers, layer)
		n.shapes = append(n.shapes, shape)
	}

	out, ok := n.Layers[len(n.Layers)-1].(OutputLayer)
	if !ok {
		return nil, fmt.Errorf("last layer %s is not an output layer", cfgs[len(cfgs)-1].Type)
	}
	n.out = out
	return n, nil
}

// OutShape returns the shape of the network output.
func (n *Network) OutShape() Shape {
	return n.shapes[len(n.shapes)-1]
}

// Config returns the layer configs the network was built from.
func (n *Network) Config() []LayerConfig {
	return append([]LayerConfig(nil), n.cfgs...)
}

// Forward runs a batch of bn samples through the network and returns
// the class probabilities. The result is valid until the next call.
func (n *Network) Forward(x []float32, bn int, train bool) []float32 {
	for _, layer := range n.Layers {
		x = layer.Forward(x, bn, train)
	}
	return x
}

// Loss returns the mean loss for the one-hot targets against the most
// recent Forward pass.
func (n *Network) Loss(yOneHot []float32, bn int) float32 {
	return n.out.Loss(yOneHot, bn)
}

// Backward accumulates parameter gradients for the most recent Forward
// pass. Propagation stops below the lowest trainable layer.
func (n *Network) Backward(yOneHot []float32, bn int) {
	stop := len(n.Layers)
	for i, layer := range n.Layers {
		if pl, ok := layer.(ParamLayer); ok && pl.Trainable() {
			stop = i
			break
		}
	}
	if stop == len(n.Layers) {
		return
	}

	grad := n.out.Backward(yOneHot, bn)
	for i := len(n.Layers) - 2; i >= stop; i-- {
		grad = n.Layers[i].Backward(grad, bn)
	}
}

// Params returns every parameter tensor including fixed state.
func (n *Network) Params() []*Param {
	var params []*Param
	for _, layer := range n.Layers {
		if pl, ok := layer.(ParamLayer); ok {
			params = append(params, pl.Params()...)
		}
	}
	return params
}

// TrainableParams returns the parameters an optimizer may update.
func (n *Network) TrainableParams() []*Param {
	var params []*Param
	for _, layer := range n.Layers {
		pl, ok := layer.(ParamLayer)
		if !ok || !pl.Trainable() {
			continue
		}
		for _, p := range pl.Params() {
			if !p.Fixed {
				params = append(params, p)
			}
		}
	}
	return params
}

// NumParams returns the total parameter count including fixed state.
func (n *Network) NumParams() int {
	total := 0
	for _, p := range n.Params() {
		total += len(p.Data)
	}
	return total
}

// ZeroGrad clears all accumulated parameter gradients.
func (n *Network) ZeroGrad() {
	for _, p := range n.Params() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// FreezeTo freezes the layers below index k and unfreezes the rest. A
// branch layer counts as a single index.
func (n *Network) FreezeTo(k int) {
	for i, layer := range n.Layers {
		if pl, ok := layer.(ParamLayer); ok {
			pl.SetTrainable(i >= k)
		}
	}
}

// NumLayers returns the number of top-level layers.
func (n *Network) NumLayers() int {
	return len(n.Layers)
}

func (n *Network) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "input %s\n", n.In)
	for i, layer := range n.Layers {
		frozen := ""
		if pl, ok := layer.(ParamLayer); ok && !pl.Trainable() {
			frozen = " frozen"
		}
		fmt.Fprintf(&b, "%3d: %-40s => %s%s\n", i, layer.String(), n.shapes[i], frozen)
	}
	fmt.Fprintf(&b, "params: %d", n.NumParams())
	return b.String()
}

// Fingerprint identifies the architecture: networks with equal
// fingerprints have identically shaped parameters.
func (n *Network) Fingerprint() string {
	data, err := json.Marshal(struct {
		In     Shape
		Layers []LayerConfig
	}{n.In, n.cfgs})
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type checkpoint struct {
	Fingerprint string
	Tensors     [][]float32
}

// SaveWeights writes all parameter tensors to path in gob encoding,
// keyed by the architecture fingerprint.
func (n *Network) SaveWeights(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create weights file: %w", err)
	}
	cp := checkpoint{Fingerprint: n.Fingerprint()}
	for _, p := range n.Params() {
		cp.Tensors = append(cp.Tensors, p.Data)
	}
	if err := gob.NewEncoder(f).Encode(cp); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return f.Close()
}

// LoadWeights restores parameter tensors written by SaveWeights. The
// checkpoint must match the network architecture.
func (n *Network) LoadWeights(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open weights file: %w", err)
	}
	defer f.Close()

	var cp checkpoint
	if err := gob.NewDecoder(f).Decode(&cp); err != nil {
		return fmt.Errorf("failed to decode weights: %w", err)
	}
	if cp.Fingerprint != n.Fingerprint() {
		return fmt.Errorf("weights do not match architecture")
	}

	params := n.Params()
	if len(cp.Tensors) != len(params) {
		return fmt.Errorf("weights hold %d tensors, network has %d", len(cp.Tensors), len(params))
	}
	for i, p := range params {
		if len(cp.Tensors[i]) != len(p.Data) {
			return fmt.Errorf("tensor %d has %d values, expected %d", i, len(cp.Tensors[i]), len(p.Data))
		}
		copy(p.Data, cp.Tensors[i])
	}
	return nil
}
