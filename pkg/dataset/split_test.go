package dataset

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// makeSourceTree creates a class-labelled image directory with count
// uniquely-named files per class. File contents encode the file name so
// copies can be verified byte for byte.
func makeSourceTree(t *testing.T, root string, classes []string, count int) {
	t.Helper()
	for _, class := range classes {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create class directory: %v", err)
		}
		for i := 0; i < count; i++ {
			name := fmt.Sprintf("img_%03d.jpg", i)
			content := []byte(class + "/" + name)
			if err := os.WriteFile(filepath.Join(dir, name), content, 0644); err != nil {
				t.Fatalf("Failed to create test image: %v", err)
			}
		}
	}
}

func listNames(t *testing.T, dir string) map[string]bool {
	t.Helper()
	names := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = true
		}
	}
	return names
}

func TestSplitCounts(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "data")
	classes := []string{"dermatitis", "fungal", "healthy", "hypersensitivity"}
	makeSourceTree(t, src, classes, 50)

	summary, err := Split(SplitConfig{
		SourceDir: src,
		TrainDir:  filepath.Join(root, "train"),
		ValDir:    filepath.Join(root, "val"),
		ValRatio:  0.2,
		Seed:      42,
	})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	for _, cs := range summary.Classes {
		if cs.Val != 10 {
			t.Errorf("Class %s: expected 10 validation images, got %d", cs.Class, cs.Val)
		}
		if cs.Train != 40 {
			t.Errorf("Class %s: expected 40 training images, got %d", cs.Class, cs.Train)
		}
	}

	if summary.TrainTotal != 160 || summary.ValTotal != 40 {
		t.Errorf("Expected totals 160/40, got %d/%d", summary.TrainTotal, summary.ValTotal)
	}
	if summary.Total() != 200 {
		t.Errorf("Expected 200 files distributed, got %d", summary.Total())
	}
}

func TestSplitRounding(t *testing.T) {
	// round(3 * 0.5) = 2 validation images
	root := t.TempDir()
	src := filepath.Join(root, "data")
	makeSourceTree(t, src, []string{"only"}, 3)

	summary, err := Split(SplitConfig{
		SourceDir: src,
		TrainDir:  filepath.Join(root, "train"),
		ValDir:    filepath.Join(root, "val"),
		ValRatio:  0.5,
		Seed:      1,
	})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if summary.ValTotal != 2 || summary.TrainTotal != 1 {
		t.Errorf("Expected 1 train / 2 val, got %d/%d", summary.TrainTotal, summary.ValTotal)
	}
}

func TestSplitDisjointAndComplete(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "data")
	classes := []string{"dermatitis", "fungal"}
	makeSourceTree(t, src, classes, 25)

	_, err := Split(SplitConfig{
		SourceDir: src,
		TrainDir:  filepath.Join(root, "train"),
		ValDir:    filepath.Join(root, "val"),
		ValRatio:  0.2,
		Seed:      42,
	})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	for _, class := range classes {
		source := listNames(t, filepath.Join(src, class))
		train := listNames(t, filepath.Join(root, "train", class))
		val := listNames(t, filepath.Join(root, "val", class))

		for name := range train {
			if val[name] {
				t.Errorf("Class %s: %s is in both train and val", class, name)
			}
		}

		union := make(map[string]bool)
		for name := range train {
			union[name] = true
		}
		for name := range val {
			union[name] = true
		}
		if len(union) != len(source) {
			t.Errorf("Class %s: union has %d files, source has %d", class, len(union), len(source))
		}
		for name := range union {
			if !source[name] {
				t.Errorf("Class %s: %s not present in source", class, name)
			}
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "data")
	makeSourceTree(t, src, []string{"dermatitis", "fungal", "healthy"}, 30)

	runSplit := func(dest string) map[string]bool {
		_, err := Split(SplitConfig{
			SourceDir: src,
			TrainDir:  filepath.Join(root, dest, "train"),
			ValDir:    filepath.Join(root, dest, "val"),
			ValRatio:  0.2,
			Seed:      42,
		})
		if err != nil {
			t.Fatalf("Split failed: %v", err)
		}

		val := make(map[string]bool)
		classes, err := os.ReadDir(filepath.Join(root, dest, "val"))
		if err != nil {
			t.Fatalf("Failed to read val dir: %v", err)
		}
		for _, c := range classes {
			for name := range listNames(t, filepath.Join(root, dest, "val", c.Name())) {
				val[c.Name()+"/"+name] = true
			}
		}
		return val
	}

	first := runSplit("a")
	second := runSplit("b")

	if len(first) != len(second) {
		t.Fatalf("Runs produced different val sizes: %d vs %d", len(first), len(second))
	}
	for name := range first {
		if !second[name] {
			t.Errorf("Validation sets differ: %s in first run only", name)
		}
	}
}

func TestSplitCopiesBytes(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "data")
	makeSourceTree(t, src, []string{"fungal"}, 10)

	summary, err := Split(SplitConfig{
		SourceDir: src,
		TrainDir:  filepath.Join(root, "train"),
		ValDir:    filepath.Join(root, "val"),
		ValRatio:  0.2,
		Seed:      3,
	})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	// Source files survive untouched and copies carry identical bytes.
	for _, sub := range []string{"train", "val"} {
		for name := range listNames(t, filepath.Join(root, sub, "fungal")) {
			copied, err := os.ReadFile(filepath.Join(root, sub, "fungal", name))
			if err != nil {
				t.Fatalf("Failed to read copy: %v", err)
			}
			original, err := os.ReadFile(filepath.Join(src, "fungal", name))
			if err != nil {
				t.Fatalf("Source file missing after split: %v", err)
			}
			if !bytes.Equal(copied, original) {
				t.Errorf("Copy of %s differs from source", name)
			}
		}
	}

	if summary.BytesCopied == 0 {
		t.Error("Expected nonzero bytes copied")
	}
}

func TestSplitSkipsNonImageFiles(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "data")
	makeSourceTree(t, src, []string{"healthy"}, 5)
	if err := os.WriteFile(filepath.Join(src, "healthy", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create text file: %v", err)
	}

	summary, err := Split(SplitConfig{
		SourceDir: src,
		TrainDir:  filepath.Join(root, "train"),
		ValDir:    filepath.Join(root, "val"),
		ValRatio:  0.2,
		Seed:      42,
	})
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if summary.Total() != 5 {
		t.Errorf("Expected 5 files distributed, got %d", summary.Total())
	}
}

func TestSplitEmptyClass(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "data")
	makeSourceTree(t, src, []string{"fungal"}, 4)
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0755); err != nil {
		t.Fatalf("Failed to create empty class: %v", err)
	}

	summary, err := Split(SplitConfig{
		SourceDir: src,
		TrainDir:  filepath.Join(root, "train"),
		ValDir:    filepath.Join(root, "val"),
		ValRatio:  0.2,
		Seed:      42,
	})
	if err != nil {
		t.Fatalf("Split should tolerate an empty class: %v", err)
	}

	if len(summary.Classes) != 2 {
		t.Fatalf("Expected 2 classes in summary, got %d", len(summary.Classes))
	}
	for _, cs := range summary.Classes {
		if cs.Class == "empty" && (cs.Train != 0 || cs.Val != 0) {
			t.Errorf("Empty class reported %d/%d files", cs.Train, cs.Val)
		}
	}
}

func TestSplitErrors(t *testing.T) {
	root := t.TempDir()

	if _, err := Split(SplitConfig{
		SourceDir: filepath.Join(root, "missing"),
		TrainDir:  filepath.Join(root, "train"),
		ValDir:    filepath.Join(root, "val"),
		ValRatio:  0.2,
	}); err == nil {
		t.Error("Expected error for missing source directory")
	}

	src := filepath.Join(root, "data")
	makeSourceTree(t, src, []string{"fungal"}, 2)

	if _, err := Split(SplitConfig{
		SourceDir: src,
		TrainDir:  filepath.Join(root, "train"),
		ValDir:    filepath.Join(root, "val"),
		ValRatio:  1.0,
	}); err == nil {
		t.Error("Expected error for ratio of 1.0")
	}

	empty := filepath.Join(root, "noclasses")
	if err := os.MkdirAll(empty, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if _, err := Split(SplitConfig{
		SourceDir: empty,
		TrainDir:  filepath.Join(root, "train"),
		ValDir:    filepath.Join(root, "val"),
		ValRatio:  0.2,
	}); err == nil {
		t.Error("Expected error for source without class subdirectories")
	}
}
