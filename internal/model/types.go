package model

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/pneumo-api/internal/nn"
)

// Arch selects a classifier architecture.
type Arch string

const (
	ArchSimple   Arch = "simple"
	ArchTransfer Arch = "transfer"
	ArchMock     Arch = "mock"
)

// Classes are the output labels; the single logit is P(Classes[1]).
var Classes = []string{"NORMAL", "PNEUMONIA"}

// Config describes a network and the hyperparameters it was trained with.
// It is stored in the weights file and must not change once a run starts.
type Config struct {
	Arch         Arch    `json:"arch"`
	InputSize    int     `json:"input_size"`
	NumClasses   int     `json:"num_classes"`
	Filters      []int   `json:"filters,omitempty"`
	HiddenUnits  int     `json:"hidden_units"`
	Backbone     string  `json:"backbone,omitempty"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	Epochs       int     `json:"epochs"`
	Seed         int64   `json:"seed"`
}

// DefaultConfig returns the standard configuration for arch.
func DefaultConfig(arch Arch) Config {
	cfg := Config{
		Arch:         arch,
		InputSize:    224,
		NumClasses:   2,
		HiddenUnits:  16,
		LearningRate: 1e-3,
		BatchSize:    32,
		Epochs:       20,
		Seed:         42,
	}
	switch arch {
	case ArchSimple:
		cfg.Filters = []int{8, 16, 32, 32}
	case ArchTransfer:
		cfg.HiddenUnits = 128
		cfg.LearningRate = 1e-4
		cfg.Backbone = "mobilenetv2"
	}
	return cfg
}

// Validate reports configurations no network can be built from.
func (c Config) Validate() error {
	if c.InputSize != 224 {
		return fmt.Errorf("input size must be 224, got %d", c.InputSize)
	}
	if c.NumClasses != 2 {
		return fmt.Errorf("num classes must be 2, got %d", c.NumClasses)
	}
	switch c.Arch {
	case ArchSimple:
		if len(c.Filters) == 0 {
			return errors.New("simple architecture needs at least one conv layer")
		}
		size := c.InputSize
		for i, f := range c.Filters {
			if f <= 0 {
				return fmt.Errorf("filters[%d] must be positive", i)
			}
			size -= 2
			if i < len(c.Filters)-1 {
				size /= 2
			}
			if size < 1 {
				return fmt.Errorf("too many conv layers for a %d input", c.InputSize)
			}
		}
	case ArchTransfer:
	case ArchMock:
		return nil
	default:
		return fmt.Errorf("unknown architecture %q", c.Arch)
	}
	if c.HiddenUnits <= 0 {
		return errors.New("hidden units must be positive")
	}
	return nil
}

// Output is the result of a forward pass over a batch.
type Output struct {
	// Probabilities holds P(PNEUMONIA) per sample.
	Probabilities []float64
	Logits        []float64
	// Activations holds the last convolutional feature maps per sample, or
	// nil when the model does not expose them.
	Activations []*nn.Volume
}

// Checkpoint is the training state stored alongside the parameters.
type Checkpoint struct {
	RunID   string  `json:"run_id"`
	Epoch   int     `json:"epoch"`
	ValLoss float64 `json:"val_loss"`
}

// BackboneMetadata describes an exported feature-extractor graph.
type BackboneMetadata struct {
	Name        string  `json:"name"`
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	// Scale and Offset map [0,1] pixels to the backbone's input range.
	Scale  float32 `json:"scale"`
	Offset float32 `json:"offset"`
}

// ModelLoadError reports a weights file that is missing or unusable.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model from %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }
