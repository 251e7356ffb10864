package spec

import (
	"fmt"

	"github.com/Ankesh-007/peft-studio-sub012/core/models"

	oerrors "github.com/Ankesh-007/peft-studio-sub012/core/errors"

	"gopkg.in/yaml.v3"
)

// TrainingSpec represents the YAML training specification.
type TrainingSpec struct {
	Training TrainingSpecBody `yaml:"training"`
}

// TrainingSpecBody represents the training section of the spec.
type TrainingSpecBody struct {
	BaseModel       string                  `yaml:"base_model"`
	Dataset         string                  `yaml:"dataset"`
	Algorithm       string                  `yaml:"algorithm"`
	Output          string                  `yaml:"output,omitempty"`
	Hyperparameters TrainingSpecHyperparams `yaml:"hyperparameters"`
}

// TrainingSpecHyperparams represents the hyperparameter section.
type TrainingSpecHyperparams struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	LoRARank     *int    `yaml:"lora_rank,omitempty"`
	LoRAAlpha    *int    `yaml:"lora_alpha,omitempty"`
	TotalSteps   int     `yaml:"total_steps"`
	MaxSeqLength *int    `yaml:"max_seq_length,omitempty"`
}

// ParseTrainingSpec parses a YAML training specification into a frozen
// TrainingConfig. Parse or validation failures are fatal ValidationErrors
// and are never retried.
func ParseTrainingSpec(specYAML string) (models.TrainingConfig, error) {
	var s TrainingSpec
	if err := yaml.Unmarshal([]byte(specYAML), &s); err != nil {
		return models.TrainingConfig{}, fmt.Errorf("%w: %v", oerrors.ErrValidation, err)
	}

	cfg := models.TrainingConfig{
		BaseModel:  s.Training.BaseModel,
		DatasetURI: s.Training.Dataset,
		Algorithm:  models.Algorithm(s.Training.Algorithm),
		OutputName: s.Training.Output,
		Hyperparameters: models.Hyperparameters{
			Epochs:       s.Training.Hyperparameters.Epochs,
			BatchSize:    s.Training.Hyperparameters.BatchSize,
			LearningRate: s.Training.Hyperparameters.LearningRate,
			TotalSteps:   s.Training.Hyperparameters.TotalSteps,
		},
	}

	// LoRA defaults match the common adapter presets.
	cfg.Hyperparameters.LoRARank = 8
	if s.Training.Hyperparameters.LoRARank != nil {
		cfg.Hyperparameters.LoRARank = *s.Training.Hyperparameters.LoRARank
	}
	cfg.Hyperparameters.LoRAAlpha = 16
	if s.Training.Hyperparameters.LoRAAlpha != nil {
		cfg.Hyperparameters.LoRAAlpha = *s.Training.Hyperparameters.LoRAAlpha
	}
	cfg.Hyperparameters.MaxSeqLength = 2048
	if s.Training.Hyperparameters.MaxSeqLength != nil {
		cfg.Hyperparameters.MaxSeqLength = *s.Training.Hyperparameters.MaxSeqLength
	}

	if err := Validate(cfg); err != nil {
		return models.TrainingConfig{}, err
	}
	return cfg, nil
}

// Validate checks a training config against the submission rules.
func Validate(cfg models.TrainingConfig) error {
	if cfg.BaseModel == "" {
		return fmt.Errorf("%w: base_model is required", oerrors.ErrValidation)
	}
	if cfg.DatasetURI == "" {
		return fmt.Errorf("%w: dataset is required", oerrors.ErrValidation)
	}
	switch cfg.Algorithm {
	case models.AlgorithmLoRA, models.AlgorithmQLoRA, models.AlgorithmFull:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", oerrors.ErrValidation, cfg.Algorithm)
	}
	hp := cfg.Hyperparameters
	if hp.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be positive", oerrors.ErrValidation)
	}
	if hp.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", oerrors.ErrValidation)
	}
	if hp.LearningRate <= 0 || hp.LearningRate >= 1 {
		return fmt.Errorf("%w: learning_rate must be in (0, 1)", oerrors.ErrValidation)
	}
	if hp.TotalSteps <= 0 {
		return fmt.Errorf("%w: total_steps must be positive", oerrors.ErrValidation)
	}
	if cfg.Algorithm != models.AlgorithmFull && hp.LoRARank <= 0 {
		return fmt.Errorf("%w: lora_rank must be positive", oerrors.ErrValidation)
	}
	return nil
}
