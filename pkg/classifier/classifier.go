// Package classifier assembles, trains and serves the skin disease
// image classifier: a compact inception backbone under a pooled two
// layer classification head. Trained models live in a directory
// holding the architecture, weights, labels and training summary.
package classifier

import (
	"fmt"
	"image"
	"sort"

	"github.com/menta2k/dermclass/pkg/dataset"
	"github.com/menta2k/dermclass/pkg/nn"
	"github.com/menta2k/dermclass/pkg/training"
)

// Classifier couples a network with its class names and input size.
type Classifier struct {
	Net         *nn.Network
	Classes     []string
	Edge        int
	Name        string
	Description string

	headStart  int
	fineTuneAt int
}

// headConfigs returns the classification head layers: pooled features
// through two regularized dense layers into class probabilities.
func headConfigs(classes int) []nn.LayerConfig {
	return []nn.LayerConfig{
		nn.GlobalAvgPool{}.Marshal(),
		nn.Dense{Units: 1024}.Marshal(),
		nn.ReLU{}.Marshal(),
		nn.BatchNorm{}.Marshal(),
		nn.Dropout{Rate: 0.5}.Marshal(),
		nn.Dense{Units: 512}.Marshal(),
		nn.ReLU{}.Marshal(),
		nn.BatchNorm{}.Marshal(),
		nn.Dropout{Rate: 0.5}.Marshal(),
		nn.Dense{Units: classes}.Marshal(),
		nn.Softmax{}.Marshal(),
	}
}

// New builds a classifier from a backbone and class names. The head is
// appended to the backbone, and the boundary between them is kept so
// training can freeze the backbone.
func New(backbone []nn.LayerConfig, classes []string, edge int, seed int64) (*Classifier, error) {
	if len(classes) < 2 {
		return nil, fmt.Errorf("classifier: need at least 2 classes, got %d", len(classes))
	}
	if edge < 1 {
		return nil, fmt.Errorf("classifier: invalid input size %d", edge)
	}

	cfgs := make([]nn.LayerConfig, 0, len(backbone)+11)
	cfgs = append(cfgs, backbone...)
	cfgs = append(cfgs, headConfigs(len(classes))...)

	net, err := nn.New(nn.Shape{C: 3, H: edge, W: edge}, seed, cfgs)
	if err != nil {
		return nil, fmt.Errorf("failed to build network: %w", err)
	}
	return &Classifier{
		Net:        net,
		Classes:    append([]string(nil), classes...),
		Edge:       edge,
		Name:       "dermclass",
		headStart:  len(backbone),
		fineTuneAt: len(backbone),
	}, nil
}

// Assemble builds the standard classifier: the small inception backbone
// with a fresh head for the given classes.
func Assemble(classes []string, edge int, seed int64) (*Classifier, error) {
	c, err := New(nn.SmallInception(), classes, edge, seed)
	if err != nil {
		return nil, err
	}
	c.fineTuneAt = nn.SmallInceptionFineTuneAt
	return c, nil
}

// Train runs the two phase transfer learning schedule on the
// classifier. A FineTuneAt boundary at or beyond the head refers to a
// deeper reference network and is mapped to the backbone's own fine
// tune point.
func (c *Classifier) Train(train, val *dataset.Dataset, cfg training.FineTuneConfig, aug dataset.Transform) (*training.History, error) {
	if err := c.checkClasses(train); err != nil {
		return nil, err
	}
	if val != nil {
		if err := c.checkClasses(val); err != nil {
			return nil, err
		}
	}
	if cfg.FineTuneAt >= c.headStart {
		cfg.FineTuneAt = c.fineTuneAt
	}
	return training.FineTune(c.Net, c.headStart, train, val, cfg, aug)
}

func (c *Classifier) checkClasses(ds *dataset.Dataset) error {
	if len(ds.Classes) != len(c.Classes) {
		return fmt.Errorf("classifier: dataset has %d classes, model has %d",
			len(ds.Classes), len(c.Classes))
	}
	for i, class := range ds.Classes {
		if class != c.Classes[i] {
			return fmt.Errorf("classifier: dataset class %q does not match model class %q",
				class, c.Classes[i])
		}
	}
	return nil
}

// Prediction is one ranked class score.
type Prediction struct {
	Class string  `json:"class"`
	Score float32 `json:"score"`
}

// Predict classifies a decoded image and returns all classes ranked by
// score.
func (c *Classifier) Predict(img image.Image) ([]Prediction, error) {
	return c.PredictTensor(dataset.ToTensor(img, c.Edge))
}

// PredictFile classifies the image at path.
func (c *Classifier) PredictFile(path string) ([]Prediction, error) {
	img, err := dataset.DecodeImage(path)
	if err != nil {
		return nil, err
	}
	return c.Predict(img)
}

// PredictTensor classifies an already prepared sample tensor.
func (c *Classifier) PredictTensor(x []float32) ([]Prediction, error) {
	if len(x) != c.Net.In.Len() {
		return nil, fmt.Errorf("classifier: sample has %d values, expected %d",
			len(x), c.Net.In.Len())
	}
	out := c.Net.Forward(x, 1, false)

	preds := make([]Prediction, len(c.Classes))
	for i, class := range c.Classes {
		preds[i] = Prediction{Class: class, Score: out[i]}
	}
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].Score != preds[j].Score {
			return preds[i].Score > preds[j].Score
		}
		return preds[i].Class < preds[j].Class
	})
	return preds, nil
}
