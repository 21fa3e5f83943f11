package training

import "time"

// Epoch is one row of training history.
type Epoch struct {
	Epoch   int
	Loss    float32
	Acc     float32
	ValLoss float32
	ValAcc  float32
	LR      float32
	Elapsed time.Duration
}

// History collects per epoch metrics across one or more training
// phases. InitLoss and InitAcc hold the validation metrics measured
// before the first update when validation data was given.
type History struct {
	HasVal   bool
	InitLoss float32
	InitAcc  float32
	Epochs   []Epoch
}

// Len returns the number of recorded epochs.
func (h *History) Len() int { return len(h.Epochs) }

// Last returns the most recent epoch record.
func (h *History) Last() Epoch {
	return h.Epochs[len(h.Epochs)-1]
}

// Monitor returns the value callbacks watch: the last validation loss,
// or the training loss when no validation data was given.
func (h *History) Monitor() float32 {
	e := h.Last()
	if h.HasVal {
		return e.ValLoss
	}
	return e.Loss
}

func (h *History) add(e Epoch) {
	e.Epoch = len(h.Epochs) + 1
	h.Epochs = append(h.Epochs, e)
}

// Append concatenates other onto h, renumbering its epochs so a second
// training phase continues the count.
func (h *History) Append(other *History) {
	for _, e := range other.Epochs {
		h.add(e)
	}
}

// Result is the training summary serialized into a model directory
// config file.
type Result struct {
	Epochs             int       `yaml:"epochs" json:"epochs"`
	InitLoss           float32   `yaml:"initLoss" json:"initLoss"`
	InitAccuracy       float32   `yaml:"initAccuracy" json:"initAccuracy"`
	TrainLoss          []float32 `yaml:"trainLoss" json:"trainLoss"`
	TrainAccuracy      []float32 `yaml:"trainAccuracy" json:"trainAccuracy"`
	ValidationLoss     []float32 `yaml:"validationLoss" json:"validationLoss"`
	ValidationAccuracy []float32 `yaml:"validationAccuracy" json:"validationAccuracy"`
}

// Result flattens the history into its serializable summary form.
func (h *History) Result() Result {
	r := Result{
		Epochs:        len(h.Epochs),
		InitLoss:      h.InitLoss,
		InitAccuracy:  h.InitAcc,
		TrainLoss:     make([]float32, 0, len(h.Epochs)),
		TrainAccuracy: make([]float32, 0, len(h.Epochs)),
	}
	for _, e := range h.Epochs {
		r.TrainLoss = append(r.TrainLoss, e.Loss)
		r.TrainAccuracy = append(r.TrainAccuracy, e.Acc)
		if h.HasVal {
			r.ValidationLoss = append(r.ValidationLoss, e.ValLoss)
			r.ValidationAccuracy = append(r.ValidationAccuracy, e.ValAcc)
		}
	}
	return r
}
