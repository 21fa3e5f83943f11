// Package dermclass trains and serves an image classifier for canine
// skin diseases.
//
// The library takes a directory of photos sorted into one folder per
// condition, splits it into training and validation sets, trains a
// convolutional network with a transfer learning schedule and serves
// the resulting model for prediction.
//
// Basic usage:
//
//	package main
//
//	import (
//		"fmt"
//		"log"
//
//		"github.com/menta2k/dermclass"
//	)
//
//	func main() {
//		pipe := dermclass.New()
//
//		// Split the labelled photos into train/ and validation/.
//		summary, err := pipe.SplitDataset("photos", "data")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("split %d images into %d train / %d validation\n",
//			summary.Total(), summary.TrainTotal, summary.ValTotal)
//
//		// Train the classifier and save it as a model directory.
//		_, history, err := pipe.TrainModel("data", "model")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("trained for %d epochs\n", history.Len())
//
//		// Classify a new photo.
//		preds, err := pipe.PredictFile("model", "dog.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("%s (%.0f%%)\n", preds[0].Class, 100*preds[0].Score)
//	}
//
// The package consists of these components:
//
// 1. Dataset (pkg/dataset): seeded splitting, scanning, loading and batching of class labelled images
// 2. Augment (pkg/augment): random affine and photometric distortions for training
// 3. NN (pkg/nn): the float32 network engine and the inception style backbone
// 4. Training (pkg/training): optimizers, plateau and stopping callbacks, the two phase schedule
// 5. Classifier (pkg/classifier): model assembly, persistence, prediction and evaluation
// 6. Preprocess (pkg/preprocess): saliency driven lesion cropping
// 7. Audit (pkg/audit): dataset label cross-checks against a vision language model
// 8. Serve (pkg/serve): the HTTP inference API
//
// Features:
//
//   - Deterministic, seeded train/validation splits that copy files untouched
//   - Keras style training time augmentation (rotation, shift, shear, zoom, flip)
//   - Two phase transfer learning: head training, then partial unfreeze fine tuning
//   - Early stopping and learning rate reduction on validation plateaus
//   - Self contained model directories with labels, weights and training curves
//   - Optional vision language model audit of the dataset labels
//   - CLI tool covering the whole workflow
package dermclass

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/menta2k/dermclass/pkg/audit"
	"github.com/menta2k/dermclass/pkg/augment"
	"github.com/menta2k/dermclass/pkg/classifier"
	"github.com/menta2k/dermclass/pkg/client"
	"github.com/menta2k/dermclass/pkg/dataset"
	"github.com/menta2k/dermclass/pkg/serve"
	"github.com/menta2k/dermclass/pkg/training"
)

// Version of the dermclass library
const Version = "1.0.0"

// Subdirectory names used for the dataset split.
const (
	TrainSubdir = "train"
	ValSubdir   = "validation"
)

// Pipeline provides a high-level interface over the whole workflow:
// splitting, training, evaluation, prediction and dataset auditing.
type Pipeline struct {
	// InputSize is the square edge images are resized to for the network.
	InputSize int
	// ValRatio is the fraction of each class reserved for validation.
	ValRatio float64
	// Seed fixes the split, weight init and augmentation streams.
	Seed int64
	// Extensions limits which image files are considered. Empty means
	// the dataset defaults.
	Extensions []string
	// Workers bounds the image loading goroutines. Zero means one per CPU.
	Workers int
	// Cropper, when set, narrows every image to its lesion region
	// before resizing.
	Cropper dataset.FocusCropper
	// Augment holds the training time distortion ranges.
	Augment augment.Config
	// Train holds the two phase schedule settings.
	Train training.FineTuneConfig
	// Verbose enables per epoch progress logging.
	Verbose bool
}

// New creates a Pipeline with the default configuration.
func New() *Pipeline {
	return &Pipeline{
		InputSize: 299,
		ValRatio:  0.2,
		Seed:      42,
		Augment:   augment.DefaultConfig(),
		Train:     training.DefaultFineTuneConfig(),
	}
}

// SplitDataset copies the class tree under srcDir into train/ and
// validation/ subtrees of dstDir. The same source and seed always
// produce the same partition.
func (p *Pipeline) SplitDataset(srcDir, dstDir string) (*dataset.SplitSummary, error) {
	return dataset.Split(dataset.SplitConfig{
		SourceDir:  srcDir,
		TrainDir:   filepath.Join(dstDir, TrainSubdir),
		ValDir:     filepath.Join(dstDir, ValSubdir),
		ValRatio:   p.ValRatio,
		Seed:       p.Seed,
		Extensions: p.Extensions,
	})
}

// LoadDir decodes one class labelled directory into memory.
func (p *Pipeline) LoadDir(dir string) (*dataset.Dataset, error) {
	return dataset.Load(dir, dataset.LoadOptions{
		Edge:       p.InputSize,
		Extensions: p.Extensions,
		Cropper:    p.Cropper,
		Workers:    p.Workers,
	})
}

// TrainModel loads the train/ and validation/ sets under dataDir,
// assembles a fresh classifier for the discovered classes, runs the two
// phase schedule and saves the result into modelDir.
func (p *Pipeline) TrainModel(dataDir, modelDir string) (*classifier.Classifier, *training.History, error) {
	train, err := p.LoadDir(filepath.Join(dataDir, TrainSubdir))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load training set: %w", err)
	}

	var val *dataset.Dataset
	valDir := filepath.Join(dataDir, ValSubdir)
	if _, err := os.Stat(valDir); err == nil {
		if val, err = p.LoadDir(valDir); err != nil {
			return nil, nil, fmt.Errorf("failed to load validation set: %w", err)
		}
	}

	cls, err := classifier.Assemble(train.Classes, p.InputSize, p.Seed)
	if err != nil {
		return nil, nil, err
	}

	cfg := p.Train
	cfg.Verbose = cfg.Verbose || p.Verbose

	var aug dataset.Transform
	if p.Augment != (augment.Config{}) {
		aug = augment.New(p.Augment, p.Seed)
	}

	h, err := cls.Train(train, val, cfg, aug)
	if err != nil {
		return nil, nil, err
	}
	if err := cls.Save(modelDir, h); err != nil {
		return nil, nil, fmt.Errorf("failed to save model: %w", err)
	}
	return cls, h, nil
}

// LoadModel reads a trained classifier from a model directory.
func (p *Pipeline) LoadModel(modelDir string) (*classifier.Classifier, error) {
	return classifier.Load(modelDir)
}

// EvaluateModel loads the model and scores it on a class labelled
// directory.
func (p *Pipeline) EvaluateModel(modelDir, dir string) (*classifier.EvalReport, error) {
	cls, err := classifier.Load(modelDir)
	if err != nil {
		return nil, err
	}

	ds, err := dataset.Load(dir, dataset.LoadOptions{
		Edge:       cls.Edge,
		Extensions: p.Extensions,
		Cropper:    p.Cropper,
		Workers:    p.Workers,
	})
	if err != nil {
		return nil, err
	}
	return cls.Evaluate(ds, p.Train.BatchSize)
}

// PredictFile loads the model and classifies the image at imagePath,
// returning all classes ranked by score. The pipeline cropper, when
// set, is applied first so prediction sees images the way training did.
func (p *Pipeline) PredictFile(modelDir, imagePath string) ([]classifier.Prediction, error) {
	cls, err := classifier.Load(modelDir)
	if err != nil {
		return nil, err
	}

	img, err := dataset.DecodeImage(imagePath)
	if err != nil {
		return nil, err
	}
	if p.Cropper != nil {
		img = p.Cropper.FocusCrop(img)
	}
	return cls.Predict(img)
}

// AuditDataset cross-checks the labels of a class labelled directory
// against a vision language model.
func (p *Pipeline) AuditDataset(ctx context.Context, vc client.VisionClient, model, dir string) (*audit.Report, error) {
	return audit.New(vc, model, 0, 0).AuditDir(ctx, dir, p.Extensions)
}

// Serve loads a model directory and exposes it over HTTP on addr,
// blocking until the server stops.
func (p *Pipeline) Serve(addr string, cfg serve.Config) error {
	s, err := serve.Open(cfg)
	if err != nil {
		return err
	}
	return s.Run(addr)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
