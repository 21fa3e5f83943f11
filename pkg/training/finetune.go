package training

import (
	"fmt"
	"log"

	"github.com/menta2k/dermclass/pkg/dataset"
	"github.com/menta2k/dermclass/pkg/nn"
)

// FineTuneConfig collects the settings for the two phase transfer
// learning schedule.
type FineTuneConfig struct {
	HeadEpochs     int
	FineTuneEpochs int
	HeadLR         float32
	FineTuneLR     float32
	Momentum       float32
	FineTuneAt     int
	BatchSize      int
	Seed           int64

	EarlyStopPatience int
	ReduceLRPatience  int
	ReduceLRFactor    float32
	MinLR             float32

	Verbose bool
}

// DefaultFineTuneConfig returns the standard two phase schedule.
func DefaultFineTuneConfig() FineTuneConfig {
	return FineTuneConfig{
		HeadEpochs:        20,
		FineTuneEpochs:    10,
		HeadLR:            1e-3,
		FineTuneLR:        1e-4,
		Momentum:          0.9,
		FineTuneAt:        249,
		BatchSize:         32,
		Seed:              42,
		EarlyStopPatience: 5,
		ReduceLRPatience:  3,
		ReduceLRFactor:    0.2,
		MinLR:             1e-6,
	}
}

// FineTune trains a network built from a pretrained backbone with a
// fresh classification head. Phase one freezes every layer below
// headStart and fits the head with Adam. Phase two unfreezes the
// backbone from layer FineTuneAt upward and continues with a low rate
// momentum SGD, so the reused features shift only gently. Both phases
// reduce the learning rate on plateaus and stop early, restoring the
// best weights seen.
func FineTune(net *nn.Network, headStart int, train, val *dataset.Dataset, cfg FineTuneConfig, aug dataset.Transform) (*History, error) {
	if headStart < 0 || headStart > net.NumLayers() {
		return nil, fmt.Errorf("training: head start %d out of range", headStart)
	}

	net.FreezeTo(headStart)
	if cfg.Verbose {
		log.Printf("phase 1: training head (%d of %d params) with %s",
			numTrainable(net), net.NumParams(), NewAdam(cfg.HeadLR))
	}
	t := &Trainer{
		Net:       net,
		Opt:       NewAdam(cfg.HeadLR),
		Callbacks: cfg.callbacks(),
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed,
		Aug:       aug,
		Verbose:   cfg.Verbose,
	}
	h, err := t.Fit(train, val, cfg.HeadEpochs)
	if err != nil {
		return nil, err
	}

	if cfg.FineTuneEpochs < 1 {
		return h, nil
	}

	// The boundary never moves above the head, so a backbone shorter
	// than the configured layer index still fine tunes the head.
	boundary := min(cfg.FineTuneAt, headStart)
	net.FreezeTo(boundary)
	if cfg.Verbose {
		log.Printf("phase 2: fine tuning from layer %d (%d of %d params) with %s",
			boundary, numTrainable(net), net.NumParams(), NewSGD(cfg.FineTuneLR, cfg.Momentum))
	}
	t = &Trainer{
		Net:       net,
		Opt:       NewSGD(cfg.FineTuneLR, cfg.Momentum),
		Callbacks: cfg.callbacks(),
		BatchSize: cfg.BatchSize,
		Seed:      cfg.Seed + 1,
		Aug:       aug,
		Verbose:   cfg.Verbose,
	}
	h2, err := t.Fit(train, val, cfg.FineTuneEpochs)
	if err != nil {
		return nil, err
	}
	h.Append(h2)
	return h, nil
}

// callbacks builds fresh plateau and stopping callbacks, so each phase
// tracks its own best loss.
func (cfg FineTuneConfig) callbacks() []Callback {
	return []Callback{
		&ReduceLROnPlateau{
			Factor:   cfg.ReduceLRFactor,
			Patience: cfg.ReduceLRPatience,
			MinLR:    cfg.MinLR,
			Verbose:  cfg.Verbose,
		},
		&EarlyStopping{
			Patience:    cfg.EarlyStopPatience,
			RestoreBest: true,
			Verbose:     cfg.Verbose,
		},
	}
}

func numTrainable(net *nn.Network) int {
	n := 0
	for _, p := range net.TrainableParams() {
		n += len(p.Data)
	}
	return n
}
