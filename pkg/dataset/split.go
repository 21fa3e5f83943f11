// Package dataset provides class-labelled image dataset splitting,
// scanning, loading and batching for classifier training.
package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/seehuhn/mt19937"

	"github.com/menta2k/dermclass/internal/utils"
)

// DefaultExtensions are the image extensions considered by Split and Scan
// when none are configured.
var DefaultExtensions = []string{"jpg", "jpeg", "png"}

// SplitConfig describes a train/validation split of a class-labelled
// image directory. SourceDir must contain one subdirectory per class.
type SplitConfig struct {
	SourceDir  string
	TrainDir   string
	ValDir     string
	ValRatio   float64
	Seed       int64
	Extensions []string
}

// ClassSplit reports the per-class outcome of a split.
type ClassSplit struct {
	Class string
	Train int
	Val   int
}

// SplitSummary aggregates the outcome of a split run.
type SplitSummary struct {
	Classes     []ClassSplit
	TrainTotal  int
	ValTotal    int
	BytesCopied int64
}

// Total returns the number of files distributed by the split.
func (s *SplitSummary) Total() int {
	return s.TrainTotal + s.ValTotal
}

// Split partitions every class subdirectory of cfg.SourceDir into
// training and validation copies under cfg.TrainDir and cfg.ValDir.
// Files are copied, never moved. For a class with n images the
// validation set receives round(n * ValRatio) of them, chosen by a
// Mersenne Twister shuffle seeded with cfg.Seed, so the same inputs and
// seed always produce the same partition. Destination class directories
// are created as needed. A failure mid-run returns an error and leaves
// the files copied so far in place.
func Split(cfg SplitConfig) (*SplitSummary, error) {
	if !utils.DirExists(cfg.SourceDir) {
		return nil, fmt.Errorf("source directory %s does not exist", cfg.SourceDir)
	}
	if cfg.ValRatio < 0 || cfg.ValRatio >= 1 {
		return nil, fmt.Errorf("validation ratio must be in [0, 1), got %g", cfg.ValRatio)
	}

	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	classes, err := utils.ListSubdirs(cfg.SourceDir)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("source directory %s has no class subdirectories", cfg.SourceDir)
	}

	rng := rand.New(mt19937.New())
	rng.Seed(cfg.Seed)

	summary := &SplitSummary{}
	for _, class := range classes {
		files, err := utils.ListFilesWithExtensions(filepath.Join(cfg.SourceDir, class), exts)
		if err != nil {
			return nil, err
		}

		n := len(files)
		nVal := int(math.Round(cfg.ValRatio * float64(n)))

		// Files arrive sorted by name; the permutation alone decides
		// which ones land in the validation set.
		perm := rng.Perm(n)

		if err := utils.EnsureDir(filepath.Join(cfg.TrainDir, class)); err != nil {
			return nil, fmt.Errorf("failed to create train class directory: %w", err)
		}
		if err := utils.EnsureDir(filepath.Join(cfg.ValDir, class)); err != nil {
			return nil, fmt.Errorf("failed to create validation class directory: %w", err)
		}

		cs := ClassSplit{Class: class}
		for i, pi := range perm {
			name := files[pi]
			src := filepath.Join(cfg.SourceDir, class, name)

			var dst string
			if i < nVal {
				dst = filepath.Join(cfg.ValDir, class, name)
				cs.Val++
			} else {
				dst = filepath.Join(cfg.TrainDir, class, name)
				cs.Train++
			}

			copied, err := utils.CopyFile(src, dst)
			if err != nil {
				return nil, fmt.Errorf("failed to copy %s: %w", src, err)
			}
			summary.BytesCopied += copied
		}

		summary.Classes = append(summary.Classes, cs)
		summary.TrainTotal += cs.Train
		summary.ValTotal += cs.Val
	}

	return summary, nil
}
