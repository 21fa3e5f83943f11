package dataset

import (
	"math/rand"

	"github.com/seehuhn/mt19937"
)

// Transform rewrites a sample tensor on its way into a batch. dst and
// src have length 3*edge*edge and do not alias.
type Transform interface {
	Apply(dst, src []float32, edge int)
}

// Batch is one mini batch of samples with one-hot labels. X is
// sample-major, Y holds one row of length NumClasses per sample. The
// backing arrays are reused between batches.
type Batch struct {
	X      []float32
	Y      []float32
	Labels []int
	N      int
}

// Batcher cycles a dataset in mini batches, preparing the next batch in
// a background goroutine while the current one is consumed. With
// Shuffle set the sample order is permuted at the start of each epoch.
type Batcher struct {
	Shuffle bool

	ds      *Dataset
	size    int
	rng     *rand.Rand
	trans   Transform
	order   []int
	bufs    [2]*Batch
	ch      chan *Batch
	classes int
}

// NewBatcher creates a batcher over ds. trans may be nil, in which case
// samples are copied through unchanged. The seed fixes the shuffle
// order.
func NewBatcher(ds *Dataset, size int, seed int64, trans Transform) *Batcher {
	rng := rand.New(mt19937.New())
	rng.Seed(seed)

	b := &Batcher{
		Shuffle: true,
		ds:      ds,
		size:    size,
		rng:     rng,
		trans:   trans,
		order:   make([]int, ds.Len()),
		classes: ds.NumClasses(),
	}
	for i := range b.order {
		b.order[i] = i
	}
	for i := range b.bufs {
		b.bufs[i] = &Batch{
			X:      make([]float32, size*ds.SampleLen()),
			Y:      make([]float32, size*b.classes),
			Labels: make([]int, size),
		}
	}
	return b
}

// Batches returns the number of batches per epoch.
func (b *Batcher) Batches() int {
	return (b.ds.Len() + b.size - 1) / b.size
}

// Start begins a new epoch. It must be called before Next and again
// after Next reports the epoch end.
func (b *Batcher) Start() {
	if b.Shuffle {
		b.rng.Shuffle(len(b.order), func(i, j int) {
			b.order[i], b.order[j] = b.order[j], b.order[i]
		})
	}
	// The channel is unbuffered so the producer stays exactly one
	// buffer ahead of the consumer.
	b.ch = make(chan *Batch)
	go b.fill()
}

// Next returns the next batch of the epoch. The returned batch is valid
// until the next call. ok is false once the epoch is exhausted.
func (b *Batcher) Next() (batch *Batch, ok bool) {
	batch, ok = <-b.ch
	return batch, ok
}

func (b *Batcher) fill() {
	buf := 0
	for start := 0; start < len(b.order); start += b.size {
		end := min(start+b.size, len(b.order))
		batch := b.bufs[buf]
		b.fillBatch(batch, b.order[start:end])
		b.ch <- batch
		buf = 1 - buf
	}
	close(b.ch)
}

func (b *Batcher) fillBatch(batch *Batch, idx []int) {
	n := len(idx)
	sampleLen := b.ds.SampleLen()

	batch.N = n
	batch.X = batch.X[:n*sampleLen]
	batch.Y = batch.Y[:n*b.classes]
	batch.Labels = batch.Labels[:n]

	for i := range batch.Y {
		batch.Y[i] = 0
	}

	for i, di := range idx {
		dst := batch.X[i*sampleLen : (i+1)*sampleLen]
		if b.trans != nil {
			b.trans.Apply(dst, b.ds.X[di], b.ds.Edge)
		} else {
			copy(dst, b.ds.X[di])
		}
		label := b.ds.Y[di]
		batch.Labels[i] = label
		batch.Y[i*b.classes+label] = 1
	}
}
