// Package training fits networks with mini batch gradient descent,
// plateau aware learning rate schedules and early stopping, and runs
// the two phase schedule used for transfer learning.
package training

import (
	"fmt"
	"log"
	"time"

	"github.com/menta2k/dermclass/pkg/dataset"
	"github.com/menta2k/dermclass/pkg/nn"
)

// Trainer runs mini batch gradient descent over a network.
type Trainer struct {
	Net       *nn.Network
	Opt       Optimizer
	Callbacks []Callback
	BatchSize int
	Seed      int64
	Aug       dataset.Transform
	Verbose   bool
}

// Fit trains for up to epochs passes over train, evaluating on val
// after each pass. val may be nil. Augmentation applies to training
// batches only. Training stops early when a callback asks for it.
func (t *Trainer) Fit(train, val *dataset.Dataset, epochs int) (*History, error) {
	if t.BatchSize < 1 {
		return nil, fmt.Errorf("training: batch size must be positive")
	}
	if train.Len() == 0 {
		return nil, fmt.Errorf("training: empty training set")
	}
	if err := checkShapes(t.Net, train); err != nil {
		return nil, err
	}

	classes := t.Net.OutShape().Len()
	h := &History{HasVal: val != nil}
	if val != nil {
		loss, acc, err := Evaluate(t.Net, val, t.BatchSize)
		if err != nil {
			return nil, err
		}
		h.InitLoss, h.InitAcc = loss, acc
	}

	batcher := dataset.NewBatcher(train, t.BatchSize, t.Seed, t.Aug)
	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()
		lossSum := float64(0)
		correct, seen := 0, 0

		batcher.Start()
		for {
			batch, ok := batcher.Next()
			if !ok {
				break
			}
			t.Net.ZeroGrad()
			out := t.Net.Forward(batch.X, batch.N, true)
			lossSum += float64(t.Net.Loss(batch.Y, batch.N)) * float64(batch.N)
			t.Net.Backward(batch.Y, batch.N)
			t.Opt.Step(t.Net.TrainableParams())

			correct += countCorrect(out, batch.Labels, classes)
			seen += batch.N
		}

		e := Epoch{
			Loss:    float32(lossSum / float64(seen)),
			Acc:     float32(correct) / float32(seen),
			LR:      t.Opt.Rate(),
			Elapsed: time.Since(start),
		}
		if val != nil {
			loss, acc, err := Evaluate(t.Net, val, t.BatchSize)
			if err != nil {
				return nil, err
			}
			e.ValLoss, e.ValAcc = loss, acc
		}
		h.add(e)
		t.logEpoch(epochs, h)

		stop := false
		for _, cb := range t.Callbacks {
			if cb.OnEpochEnd(t.Net, t.Opt, h) {
				stop = true
			}
		}
		if stop {
			break
		}
	}
	return h, nil
}

func (t *Trainer) logEpoch(epochs int, h *History) {
	if !t.Verbose {
		return
	}
	e := h.Last()
	if h.HasVal {
		log.Printf("epoch %d/%d: loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f lr=%g (%.1fs)",
			e.Epoch, epochs, e.Loss, e.Acc, e.ValLoss, e.ValAcc, e.LR, e.Elapsed.Seconds())
	} else {
		log.Printf("epoch %d/%d: loss=%.4f acc=%.4f lr=%g (%.1fs)",
			e.Epoch, epochs, e.Loss, e.Acc, e.LR, e.Elapsed.Seconds())
	}
}

// Evaluate runs the network over ds in inference mode and returns the
// mean loss and accuracy.
func Evaluate(net *nn.Network, ds *dataset.Dataset, batchSize int) (loss, acc float32, err error) {
	if batchSize < 1 {
		return 0, 0, fmt.Errorf("training: batch size must be positive")
	}
	if ds.Len() == 0 {
		return 0, 0, fmt.Errorf("training: empty dataset")
	}
	if err := checkShapes(net, ds); err != nil {
		return 0, 0, err
	}

	classes := net.OutShape().Len()
	lossSum := float64(0)
	correct := 0

	batcher := dataset.NewBatcher(ds, batchSize, 0, nil)
	batcher.Shuffle = false
	batcher.Start()
	for {
		batch, ok := batcher.Next()
		if !ok {
			break
		}
		out := net.Forward(batch.X, batch.N, false)
		lossSum += float64(net.Loss(batch.Y, batch.N)) * float64(batch.N)
		correct += countCorrect(out, batch.Labels, classes)
	}
	n := ds.Len()
	return float32(lossSum / float64(n)), float32(correct) / float32(n), nil
}

func checkShapes(net *nn.Network, ds *dataset.Dataset) error {
	if net.In.Len() != ds.SampleLen() {
		return fmt.Errorf("training: dataset samples have %d values but the network expects %s",
			ds.SampleLen(), net.In)
	}
	if classes := net.OutShape().Len(); classes != ds.NumClasses() {
		return fmt.Errorf("training: dataset has %d classes but the network outputs %d",
			ds.NumClasses(), classes)
	}
	return nil
}

func countCorrect(out []float32, labels []int, classes int) int {
	correct := 0
	for i, label := range labels {
		row := out[i*classes : (i+1)*classes]
		best := 0
		for c, v := range row {
			if v > row[best] {
				best = c
			}
		}
		if best == label {
			correct++
		}
	}
	return correct
}
