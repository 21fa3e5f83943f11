package dermclass

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/menta2k/dermclass/pkg/client"
)

// createDataset writes a small source tree of solidly colored images,
// one color family per class so the classes are separable.
func createDataset(t *testing.T, dir string, perClass int) {
	t.Helper()
	classes := map[string]color.NRGBA{
		"dermatitis": {R: 200, G: 60, B: 60, A: 255},
		"healthy":    {R: 60, G: 180, B: 80, A: 255},
	}
	for class, base := range classes {
		if err := os.MkdirAll(filepath.Join(dir, class), 0o755); err != nil {
			t.Fatalf("Failed to create class dir: %v", err)
		}
		for i := 0; i < perClass; i++ {
			c := base
			c.B = uint8(int(c.B) + 3*i)
			img := imaging.New(32, 32, c)
			name := filepath.Join(dir, class, "img"+string(rune('a'+i))+".png")
			if err := imaging.Save(img, name); err != nil {
				t.Fatalf("Failed to save test image: %v", err)
			}
		}
	}
}

func TestNew(t *testing.T) {
	pipe := New()
	if pipe == nil {
		t.Fatal("New() returned nil")
	}
	if pipe.InputSize != 299 {
		t.Errorf("Expected default input size 299, got %d", pipe.InputSize)
	}
	if pipe.ValRatio != 0.2 {
		t.Errorf("Expected default validation ratio 0.2, got %g", pipe.ValRatio)
	}
	if pipe.Seed != 42 {
		t.Errorf("Expected default seed 42, got %d", pipe.Seed)
	}
	if pipe.Train.HeadEpochs != 20 || pipe.Train.FineTuneEpochs != 10 {
		t.Errorf("Expected default 20+10 epoch schedule, got %d+%d",
			pipe.Train.HeadEpochs, pipe.Train.FineTuneEpochs)
	}
	if pipe.Augment.RotationRange != 40 {
		t.Errorf("Expected default rotation range 40, got %g", pipe.Augment.RotationRange)
	}
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	if version == "" {
		t.Error("Version should not be empty")
	}
	if version != Version {
		t.Errorf("GetVersion() returned %s, expected %s", version, Version)
	}
}

func TestSplitDataset(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	createDataset(t, srcDir, 10)

	pipe := New()
	summary, err := pipe.SplitDataset(srcDir, dstDir)
	if err != nil {
		t.Fatalf("SplitDataset failed: %v", err)
	}

	if summary.Total() != 20 {
		t.Errorf("Expected 20 images split, got %d", summary.Total())
	}
	if summary.ValTotal != 4 {
		t.Errorf("Expected 4 validation images at ratio 0.2, got %d", summary.ValTotal)
	}
	if len(summary.Classes) != 2 {
		t.Errorf("Expected 2 classes, got %d", len(summary.Classes))
	}
	for _, sub := range []string{TrainSubdir, ValSubdir} {
		for _, class := range []string{"dermatitis", "healthy"} {
			if _, err := os.Stat(filepath.Join(dstDir, sub, class)); err != nil {
				t.Errorf("Expected %s/%s to exist: %v", sub, class, err)
			}
		}
	}
}

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full training in short mode")
	}

	srcDir := t.TempDir()
	dataDir := t.TempDir()
	modelDir := filepath.Join(t.TempDir(), "model")
	createDataset(t, srcDir, 8)

	pipe := New()
	pipe.InputSize = 75
	pipe.ValRatio = 0.25
	pipe.Augment.RotationRange = 0
	pipe.Augment.WidthShiftRange = 0
	pipe.Augment.HeightShiftRange = 0
	pipe.Augment.ShearRange = 0
	pipe.Augment.ZoomRange = 0
	pipe.Augment.HorizontalFlip = false
	pipe.Train.HeadEpochs = 2
	pipe.Train.FineTuneEpochs = 1
	pipe.Train.BatchSize = 6
	pipe.Train.EarlyStopPatience = 5

	if _, err := pipe.SplitDataset(srcDir, dataDir); err != nil {
		t.Fatalf("SplitDataset failed: %v", err)
	}

	cls, history, err := pipe.TrainModel(dataDir, modelDir)
	if err != nil {
		t.Fatalf("TrainModel failed: %v", err)
	}
	if cls == nil || history == nil {
		t.Fatal("TrainModel returned nil results")
	}
	if history.Len() < 1 || history.Len() > 3 {
		t.Errorf("Expected between 1 and 3 epochs, got %d", history.Len())
	}
	if !history.HasVal {
		t.Error("Expected validation metrics in the history")
	}

	// The saved model must load and predict.
	loaded, err := pipe.LoadModel(modelDir)
	if err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	if loaded.Edge != 75 {
		t.Errorf("Expected loaded input size 75, got %d", loaded.Edge)
	}

	imagePath := filepath.Join(srcDir, "dermatitis", "imga.png")
	preds, err := pipe.PredictFile(modelDir, imagePath)
	if err != nil {
		t.Fatalf("PredictFile failed: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("Expected 2 ranked predictions, got %d", len(preds))
	}
	if preds[0].Score < preds[1].Score {
		t.Error("Expected predictions sorted by descending score")
	}
	sum := preds[0].Score + preds[1].Score
	if sum < 0.99 || sum > 1.01 {
		t.Errorf("Expected scores to sum to 1, got %g", sum)
	}

	report, err := pipe.EvaluateModel(modelDir, filepath.Join(dataDir, ValSubdir))
	if err != nil {
		t.Fatalf("EvaluateModel failed: %v", err)
	}
	if report.Support != 4 {
		t.Errorf("Expected 4 validation images evaluated, got %d", report.Support)
	}
	if report.Accuracy < 0 || report.Accuracy > 1 {
		t.Errorf("Expected accuracy in [0,1], got %g", report.Accuracy)
	}
	if len(report.PerClass) != 2 {
		t.Errorf("Expected per class metrics for 2 classes, got %d", len(report.PerClass))
	}
}

// fakeVision answers every audit query with the same verdict.
type fakeVision struct {
	verdict client.Verdict
}

func (f *fakeVision) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a dog", nil
}

func (f *fakeVision) ClassifyImage(ctx context.Context, model, prompt, imgB64 string) (*client.Verdict, error) {
	v := f.verdict
	return &v, nil
}

func TestAuditDataset(t *testing.T) {
	srcDir := t.TempDir()
	createDataset(t, srcDir, 3)

	pipe := New()
	vc := &fakeVision{verdict: client.Verdict{Label: "dermatitis", Confidence: 0.9, IsDog: true}}
	report, err := pipe.AuditDataset(context.Background(), vc, "minicpm-v", srcDir)
	if err != nil {
		t.Fatalf("AuditDataset failed: %v", err)
	}

	if report.Checked != 6 {
		t.Errorf("Expected 6 images checked, got %d", report.Checked)
	}
	// Every verdict says dermatitis, so the healthy class is flagged.
	if report.Agreed != 3 {
		t.Errorf("Expected 3 agreements, got %d", report.Agreed)
	}
	if report.Flagged != 3 {
		t.Errorf("Expected 3 flagged images, got %d", report.Flagged)
	}
}

func TestPredictFileMissingModel(t *testing.T) {
	pipe := New()
	if _, err := pipe.PredictFile(filepath.Join(t.TempDir(), "nope"), "dog.jpg"); err == nil {
		t.Error("Expected error for missing model directory")
	}
}

func TestTrainModelMissingData(t *testing.T) {
	pipe := New()
	if _, _, err := pipe.TrainModel(t.TempDir(), t.TempDir()); err == nil {
		t.Error("Expected error for missing training data")
	}
}
