package training

import (
	"log"

	"github.com/menta2k/dermclass/pkg/nn"
)

// Callback observes training after every epoch. Returning true stops
// training.
type Callback interface {
	OnEpochEnd(net *nn.Network, opt Optimizer, h *History) bool
}

// EarlyStopping stops training once the monitored loss has not improved
// for Patience epochs. With RestoreBest set the network weights are
// rolled back to the best epoch when stopping.
type EarlyStopping struct {
	Patience    int
	MinDelta    float32
	RestoreBest bool
	Verbose     bool

	wait int
	best float32
	snap [][]float32
}

// OnEpochEnd implements Callback.
func (c *EarlyStopping) OnEpochEnd(net *nn.Network, opt Optimizer, h *History) bool {
	v := h.Monitor()
	if c.snap == nil || c.best-v > c.MinDelta {
		c.best = v
		c.wait = 0
		c.snapshot(net)
		return false
	}
	c.wait++
	if c.wait < c.Patience {
		return false
	}
	if c.RestoreBest {
		c.restore(net)
	}
	if c.Verbose {
		log.Printf("early stopping at epoch %d (best %.4f)", h.Len(), c.best)
	}
	return true
}

func (c *EarlyStopping) snapshot(net *nn.Network) {
	params := net.Params()
	if c.snap == nil {
		c.snap = make([][]float32, len(params))
		for i, p := range params {
			c.snap[i] = make([]float32, len(p.Data))
		}
	}
	for i, p := range params {
		copy(c.snap[i], p.Data)
	}
}

func (c *EarlyStopping) restore(net *nn.Network) {
	for i, p := range net.Params() {
		copy(p.Data, c.snap[i])
	}
}

// ReduceLROnPlateau multiplies the learning rate by Factor once the
// monitored loss has not improved for Patience epochs, never dropping
// below MinLR.
type ReduceLROnPlateau struct {
	Factor   float32
	Patience int
	MinDelta float32
	MinLR    float32
	Verbose  bool

	seen bool
	wait int
	best float32
}

// OnEpochEnd implements Callback.
func (c *ReduceLROnPlateau) OnEpochEnd(net *nn.Network, opt Optimizer, h *History) bool {
	v := h.Monitor()
	if !c.seen || c.best-v > c.MinDelta {
		c.seen = true
		c.best = v
		c.wait = 0
		return false
	}
	c.wait++
	if c.wait < c.Patience {
		return false
	}
	c.wait = 0
	rate := opt.Rate() * c.Factor
	if rate < c.MinLR {
		rate = c.MinLR
	}
	if rate < opt.Rate() {
		opt.SetRate(rate)
		if c.Verbose {
			log.Printf("epoch %d: reducing learning rate to %g", h.Len(), rate)
		}
	}
	return false
}
