package dataset

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/menta2k/dermclass/internal/utils"
)

// Sample pairs an image path with its class label index.
type Sample struct {
	Path  string
	Label int
}

// Index lists the classes and image files discovered in a dataset
// directory. Class labels are indices into Classes, which is sorted so
// the same directory always yields the same label order.
type Index struct {
	Classes []string
	Samples []Sample
}

// Counts returns the number of samples per class.
func (idx *Index) Counts() []int {
	counts := make([]int, len(idx.Classes))
	for _, s := range idx.Samples {
		counts[s.Label]++
	}
	return counts
}

// Scan discovers the classes of dir (one subdirectory per class) and
// the image files each class holds. Every image belongs to exactly one
// class, the one whose directory contains it.
func Scan(dir string, exts []string) (*Index, error) {
	if !utils.DirExists(dir) {
		return nil, fmt.Errorf("dataset directory %s does not exist", dir)
	}
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	classes, err := utils.ListSubdirs(dir)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("dataset directory %s has no class subdirectories", dir)
	}

	idx := &Index{Classes: classes}
	for label, class := range classes {
		files, err := utils.ListFilesWithExtensions(filepath.Join(dir, class), exts)
		if err != nil {
			return nil, err
		}
		for _, name := range files {
			idx.Samples = append(idx.Samples, Sample{
				Path:  filepath.Join(dir, class, name),
				Label: label,
			})
		}
	}

	return idx, nil
}

// Dataset holds decoded images as channel-major float32 tensors with
// values scaled to [0,1], one tensor of length 3*Edge*Edge per sample.
type Dataset struct {
	Classes []string
	Edge    int
	X       [][]float32
	Y       []int
	Paths   []string
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.X)
}

// NumClasses returns the number of classes.
func (d *Dataset) NumClasses() int {
	return len(d.Classes)
}

// SampleLen returns the length of one sample tensor.
func (d *Dataset) SampleLen() int {
	return 3 * d.Edge * d.Edge
}

// Stats holds per-channel mean and standard deviation.
type Stats struct {
	Mean [3]float32
	Std  [3]float32
}

// Stats computes the per-channel mean and standard deviation of the
// dataset using streaming Welford accumulation.
func (d *Dataset) Stats() Stats {
	var mean, m2 [3]float64
	var count [3]int64

	plane := d.Edge * d.Edge
	for _, x := range d.X {
		for c := 0; c < 3; c++ {
			for _, v := range x[c*plane : (c+1)*plane] {
				count[c]++
				delta := float64(v) - mean[c]
				mean[c] += delta / float64(count[c])
				m2[c] += delta * (float64(v) - mean[c])
			}
		}
	}

	var s Stats
	for c := 0; c < 3; c++ {
		s.Mean[c] = float32(mean[c])
		if count[c] > 1 {
			s.Std[c] = float32(math.Sqrt(m2[c] / float64(count[c])))
		}
	}
	return s
}
