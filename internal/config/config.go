package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the application configuration
type Config struct {
	Dataset DatasetConfig `json:"dataset"`
	Augment AugmentConfig `json:"augment"`
	Train   TrainConfig   `json:"train"`
	Audit   AuditConfig   `json:"audit"`
	Serve   ServeConfig   `json:"serve"`
}

// DatasetConfig holds configuration for dataset splitting and loading
type DatasetConfig struct {
	ValRatio   float64  `json:"val_ratio"`
	Seed       int64    `json:"seed"`
	Extensions []string `json:"extensions"`
	InputSize  int      `json:"input_size"`
	FocusCrop  bool     `json:"focus_crop"`
}

// AugmentConfig holds configuration for training-time image augmentation
type AugmentConfig struct {
	RotationRange    float64 `json:"rotation_range"`
	WidthShiftRange  float64 `json:"width_shift_range"`
	HeightShiftRange float64 `json:"height_shift_range"`
	ShearRange       float64 `json:"shear_range"`
	ZoomRange        float64 `json:"zoom_range"`
	HorizontalFlip   bool    `json:"horizontal_flip"`
	FillMode         string  `json:"fill_mode"`
}

// TrainConfig holds configuration for the two training phases
type TrainConfig struct {
	BatchSize         int     `json:"batch_size"`
	HeadEpochs        int     `json:"head_epochs"`
	FineTuneEpochs    int     `json:"fine_tune_epochs"`
	HeadLR            float64 `json:"head_lr"`
	FineTuneLR        float64 `json:"fine_tune_lr"`
	Momentum          float64 `json:"momentum"`
	FineTuneAt        int     `json:"fine_tune_at"`
	EarlyStopPatience int     `json:"early_stop_patience"`
	ReduceLRPatience  int     `json:"reduce_lr_patience"`
	ReduceLRFactor    float64 `json:"reduce_lr_factor"`
	MinLR             float64 `json:"min_lr"`
	Workers           int     `json:"workers"`
}

// AuditConfig holds configuration for the vision-model dataset audit
type AuditConfig struct {
	Backend        string `json:"backend"`
	URL            string `json:"url"`
	Model          string `json:"model"`
	MaxEdge        int    `json:"max_edge"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ServeConfig holds configuration for the HTTP inference server
type ServeConfig struct {
	Addr        string `json:"addr"`
	MaxUploadMB int    `json:"max_upload_mb"`
	TopK        int    `json:"top_k"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Dataset: DatasetConfig{
			ValRatio:   0.2,
			Seed:       42,
			Extensions: []string{"jpg", "jpeg", "png"},
			InputSize:  299,
			FocusCrop:  false,
		},
		Augment: AugmentConfig{
			RotationRange:    40,
			WidthShiftRange:  0.2,
			HeightShiftRange: 0.2,
			ShearRange:       0.2,
			ZoomRange:        0.2,
			HorizontalFlip:   true,
			FillMode:         "nearest",
		},
		Train: TrainConfig{
			BatchSize:         32,
			HeadEpochs:        20,
			FineTuneEpochs:    10,
			HeadLR:            0.001,
			FineTuneLR:        0.0001,
			Momentum:          0.9,
			FineTuneAt:        249,
			EarlyStopPatience: 5,
			ReduceLRPatience:  3,
			ReduceLRFactor:    0.2,
			MinLR:             1e-6,
			Workers:           0,
		},
		Audit: AuditConfig{
			Backend:        "ollama",
			URL:            "http://localhost:11434",
			Model:          "minicpm-v",
			MaxEdge:        768,
			TimeoutSeconds: 120,
		},
		Serve: ServeConfig{
			Addr:        ":8080",
			MaxUploadMB: 8,
			TopK:        4,
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Dataset.ValRatio < 0 || c.Dataset.ValRatio >= 1 {
		return fmt.Errorf("dataset.val_ratio must be in [0, 1)")
	}

	if len(c.Dataset.Extensions) == 0 {
		return fmt.Errorf("dataset.extensions cannot be empty")
	}

	if c.Dataset.InputSize < 32 {
		return fmt.Errorf("dataset.input_size must be at least 32")
	}

	if c.Augment.RotationRange < 0 || c.Augment.RotationRange > 180 {
		return fmt.Errorf("augment.rotation_range must be between 0 and 180")
	}

	switch c.Augment.FillMode {
	case "nearest", "reflect", "zero":
	default:
		return fmt.Errorf("augment.fill_mode must be one of nearest, reflect, zero")
	}

	if c.Train.BatchSize < 1 {
		return fmt.Errorf("train.batch_size must be positive")
	}

	if c.Train.HeadEpochs < 1 {
		return fmt.Errorf("train.head_epochs must be positive")
	}

	if c.Train.FineTuneEpochs < 0 {
		return fmt.Errorf("train.fine_tune_epochs cannot be negative")
	}

	if c.Train.HeadLR <= 0 || c.Train.FineTuneLR <= 0 {
		return fmt.Errorf("train learning rates must be positive")
	}

	if c.Train.FineTuneAt < 0 {
		return fmt.Errorf("train.fine_tune_at cannot be negative")
	}

	if c.Train.ReduceLRFactor <= 0 || c.Train.ReduceLRFactor >= 1 {
		return fmt.Errorf("train.reduce_lr_factor must be between 0 and 1")
	}

	switch c.Audit.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("audit.backend must be ollama or llamacpp")
	}

	if c.Serve.MaxUploadMB < 1 {
		return fmt.Errorf("serve.max_upload_mb must be positive")
	}

	if c.Serve.TopK < 1 {
		return fmt.Errorf("serve.top_k must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "dermclass", "config.json")
}
