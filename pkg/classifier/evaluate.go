package classifier

import (
	"fmt"
	"strings"

	"github.com/menta2k/dermclass/pkg/dataset"
)

// ClassMetrics holds per class evaluation results.
type ClassMetrics struct {
	Class     string
	Support   int
	Precision float32
	Recall    float32
}

// EvalReport summarizes classifier performance on a labeled dataset.
// Confusion is indexed [true][predicted].
type EvalReport struct {
	Loss      float32
	Accuracy  float32
	Support   int
	PerClass  []ClassMetrics
	Confusion [][]int
}

// Evaluate runs the classifier over ds in inference mode and builds the
// full report with per class precision and recall.
func (c *Classifier) Evaluate(ds *dataset.Dataset, batchSize int) (*EvalReport, error) {
	if err := c.checkClasses(ds); err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("classifier: batch size must be positive")
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("classifier: empty dataset")
	}

	classes := len(c.Classes)
	confusion := make([][]int, classes)
	for i := range confusion {
		confusion[i] = make([]int, classes)
	}

	lossSum := float64(0)
	batcher := dataset.NewBatcher(ds, batchSize, 0, nil)
	batcher.Shuffle = false
	batcher.Start()
	for {
		batch, ok := batcher.Next()
		if !ok {
			break
		}
		out := c.Net.Forward(batch.X, batch.N, false)
		lossSum += float64(c.Net.Loss(batch.Y, batch.N)) * float64(batch.N)
		for i, label := range batch.Labels {
			row := out[i*classes : (i+1)*classes]
			best := 0
			for j, v := range row {
				if v > row[best] {
					best = j
				}
			}
			confusion[label][best]++
		}
	}

	report := &EvalReport{
		Loss:      float32(lossSum / float64(ds.Len())),
		Support:   ds.Len(),
		Confusion: confusion,
	}
	correct := 0
	for i, class := range c.Classes {
		support, predicted := 0, 0
		for j := 0; j < classes; j++ {
			support += confusion[i][j]
			predicted += confusion[j][i]
		}
		m := ClassMetrics{Class: class, Support: support}
		if support > 0 {
			m.Recall = float32(confusion[i][i]) / float32(support)
		}
		if predicted > 0 {
			m.Precision = float32(confusion[i][i]) / float32(predicted)
		}
		report.PerClass = append(report.PerClass, m)
		correct += confusion[i][i]
	}
	report.Accuracy = float32(correct) / float32(ds.Len())
	return report, nil
}

// String renders the report as a console table.
func (r *EvalReport) String() string {
	var b strings.Builder
	correct := 0
	for i := range r.Confusion {
		correct += r.Confusion[i][i]
	}
	fmt.Fprintf(&b, "loss %.4f  accuracy %.4f (%d/%d)\n", r.Loss, r.Accuracy, correct, r.Support)
	fmt.Fprintf(&b, "%-20s %8s %10s %8s\n", "class", "support", "precision", "recall")
	for _, m := range r.PerClass {
		fmt.Fprintf(&b, "%-20s %8d %10.3f %8.3f\n", m.Class, m.Support, m.Precision, m.Recall)
	}
	b.WriteString("confusion (rows true, columns predicted):\n")
	for i, row := range r.Confusion {
		fmt.Fprintf(&b, "%-20s", r.PerClass[i].Class)
		for _, v := range row {
			fmt.Fprintf(&b, " %6d", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
