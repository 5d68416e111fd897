package config

import (
	"github.com/Brownie44l1/pneumo-api/internal/dataset"
	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/train"
)

// Config holds all configuration for the application
type Config struct {
	Data      DataConfig
	Model     ModelConfig
	Train     TrainConfig
	Inference InferenceConfig
	Server    ServerConfig
	Log       LogConfig
}

// DataConfig holds dataset locations and split ratios
type DataConfig struct {
	Dir             string
	Target          string
	TrainRatio      float64
	ValRatio        float64
	TestRatio       float64
	ValidationSplit float64
	Seed            int64
}

// ModelConfig holds the weights path and architecture selection
type ModelConfig struct {
	Path             string
	Arch             string
	Backbone         string
	BackboneMetadata string
	ONNXRuntimeLib   string
}

// TrainConfig holds optimizer and schedule settings
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	LRPatience   int
	LRFactor     float64
	MinLR        float64
	StopPatience int
	MinDelta     float64
	Workers      int
}

// InferenceConfig holds serving-side settings
type InferenceConfig struct {
	OverlayAlpha float64
	MockSeed     int64
	Watch        bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Ratios returns the organize split ratios.
func (c DataConfig) Ratios() dataset.Ratios {
	return dataset.Ratios{Train: c.TrainRatio, Val: c.ValRatio, Test: c.TestRatio}
}

// NetworkConfig returns the configuration of a new network for this run.
func (c *Config) NetworkConfig() model.Config {
	mc := model.DefaultConfig(model.Arch(c.Model.Arch))
	mc.LearningRate = c.Train.LearningRate
	mc.BatchSize = c.Train.BatchSize
	mc.Epochs = c.Train.Epochs
	mc.Seed = c.Data.Seed
	return mc
}

// OpenOptions returns what model.Open needs to load weights of either
// architecture.
func (c *Config) OpenOptions() model.OpenOptions {
	return model.OpenOptions{
		NewBackbone: model.BackboneFactory(c.Model.ONNXRuntimeLib, c.Model.Backbone, c.Model.BackboneMetadata),
	}
}

// TrainOptions returns the trainer schedule.
func (c *Config) TrainOptions() train.Options {
	return train.Options{
		Epochs:          c.Train.Epochs,
		BatchSize:       c.Train.BatchSize,
		LearningRate:    c.Train.LearningRate,
		LRPatience:      c.Train.LRPatience,
		LRFactor:        c.Train.LRFactor,
		MinLR:           c.Train.MinLR,
		StopPatience:    c.Train.StopPatience,
		MinDelta:        c.Train.MinDelta,
		ValidationSplit: c.Data.ValidationSplit,
		Seed:            c.Data.Seed,
	}
}
