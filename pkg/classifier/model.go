package classifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/menta2k/dermclass/internal/utils"
	"github.com/menta2k/dermclass/pkg/nn"
	"github.com/menta2k/dermclass/pkg/training"
)

// Model directory layout.
const (
	configFile  = "config.yaml"
	labelsFile  = "labels.txt"
	weightsFile = "weights.gob"
	archFile    = "arch.json"
)

type modelConfig struct {
	Name           string          `yaml:"name"`
	Type           string          `yaml:"type"`
	Classification string          `yaml:"classification"`
	InputShape     []int32         `yaml:"inputShape"`
	LabelsFile     string          `yaml:"labelsFile"`
	WeightsFile    string          `yaml:"weightsFile"`
	ArchFile       string          `yaml:"archFile"`
	HeadStart      int             `yaml:"headStart"`
	TrainingResult training.Result `yaml:"trainingResult"`
	Description    string          `yaml:"description"`
}

type archConfig struct {
	In     nn.Shape         `json:"in"`
	Layers []nn.LayerConfig `json:"layers"`
}

// Exists reports whether dir looks like a saved model directory.
func Exists(dir string) bool {
	return utils.FileExists(filepath.Join(dir, configFile))
}

// Save writes the classifier into dir: architecture, weights, labels,
// and a config summarizing the model. When a training history is given
// its metrics and curve plots are stored alongside.
func (c *Classifier) Save(dir string, h *training.History) error {
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}

	labels := strings.Join(c.Classes, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, labelsFile), []byte(labels), 0644); err != nil {
		return fmt.Errorf("failed to write labels: %w", err)
	}

	arch, err := json.MarshalIndent(archConfig{In: c.Net.In, Layers: c.Net.Config()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal architecture: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, archFile), arch, 0644); err != nil {
		return fmt.Errorf("failed to write architecture: %w", err)
	}

	if err := c.Net.SaveWeights(filepath.Join(dir, weightsFile)); err != nil {
		return err
	}

	cfg := modelConfig{
		Name:           c.Name,
		Type:           "smallInception",
		Classification: "multi",
		InputShape:     []int32{int32(c.Edge), int32(c.Edge), 3},
		LabelsFile:     labelsFile,
		WeightsFile:    weightsFile,
		ArchFile:       archFile,
		HeadStart:      c.headStart,
		Description:    c.Description,
	}
	if h != nil {
		cfg.TrainingResult = h.Result()
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), out, 0644); err != nil {
		return fmt.Errorf("failed to write model config: %w", err)
	}

	if h != nil && h.Len() > 0 {
		if err := training.SavePlots(h, dir); err != nil {
			return err
		}
	}
	return nil
}

// Info summarizes a saved model directory.
type Info struct {
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Classification string          `json:"classification"`
	InputShape     []int32         `json:"inputShape"`
	Classes        []string        `json:"classes"`
	TrainingResult training.Result `json:"trainingResult"`
	Description    string          `json:"description,omitempty"`
}

// ReadInfo reads the metadata of a model directory written by Save,
// without loading the network weights.
func ReadInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var cfg modelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	if cfg.LabelsFile == "" {
		cfg.LabelsFile = labelsFile
	}

	labels, err := readLabels(filepath.Join(dir, cfg.LabelsFile))
	if err != nil {
		return nil, err
	}

	return &Info{
		Name:           cfg.Name,
		Type:           cfg.Type,
		Classification: cfg.Classification,
		InputShape:     cfg.InputShape,
		Classes:        labels,
		TrainingResult: cfg.TrainingResult,
		Description:    cfg.Description,
	}, nil
}

// Load reads a classifier from a model directory written by Save.
func Load(dir string) (*Classifier, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var cfg modelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	if cfg.LabelsFile == "" {
		cfg.LabelsFile = labelsFile
	}
	if cfg.WeightsFile == "" {
		cfg.WeightsFile = weightsFile
	}
	if cfg.ArchFile == "" {
		cfg.ArchFile = archFile
	}

	labels, err := readLabels(filepath.Join(dir, cfg.LabelsFile))
	if err != nil {
		return nil, err
	}

	data, err = os.ReadFile(filepath.Join(dir, cfg.ArchFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read architecture: %w", err)
	}
	var arch archConfig
	if err := json.Unmarshal(data, &arch); err != nil {
		return nil, fmt.Errorf("failed to parse architecture: %w", err)
	}

	net, err := nn.New(arch.In, 0, arch.Layers)
	if err != nil {
		return nil, fmt.Errorf("failed to build network: %w", err)
	}
	if err := net.LoadWeights(filepath.Join(dir, cfg.WeightsFile)); err != nil {
		return nil, err
	}

	if classes := net.OutShape().Len(); classes != len(labels) {
		return nil, fmt.Errorf("model outputs %d classes but has %d labels", classes, len(labels))
	}

	return &Classifier{
		Net:         net,
		Classes:     labels,
		Edge:        arch.In.H,
		Name:        cfg.Name,
		Description: cfg.Description,
		headStart:   cfg.HeadStart,
		fineTuneAt:  cfg.HeadStart,
	}, nil
}

func readLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	var labels []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			labels = append(labels, line)
		}
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("no labels in %s", path)
	}
	return labels, nil
}
