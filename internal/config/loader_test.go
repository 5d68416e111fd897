package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/pneumo-api/internal/dataset"
	"github.com/Brownie44l1/pneumo-api/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.Data.Dir)
	assert.InDelta(t, 0.8, cfg.Data.TrainRatio, 1e-9)
	assert.InDelta(t, 0.1, cfg.Data.ValRatio, 1e-9)
	assert.InDelta(t, 0.1, cfg.Data.TestRatio, 1e-9)
	assert.Equal(t, int64(42), cfg.Data.Seed)
	assert.Equal(t, "models/pneumonia_model.pnw", cfg.Model.Path)
	assert.Equal(t, "simple", cfg.Model.Arch)
	assert.Equal(t, 20, cfg.Train.Epochs)
	assert.Equal(t, 32, cfg.Train.BatchSize)
	assert.InDelta(t, 1e-3, cfg.Train.LearningRate, 1e-12)
	assert.Equal(t, 5, cfg.Train.LRPatience)
	assert.Equal(t, 10, cfg.Train.StopPatience)
	assert.InDelta(t, 0.5, cfg.Train.LRFactor, 1e-9)
	assert.InDelta(t, 0.45, cfg.Inference.OverlayAlpha, 1e-9)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PNEUMO_TRAIN_EPOCHS", "7")
	t.Setenv("PNEUMO_MODEL_ARCH", "transfer")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Train.Epochs)
	assert.Equal(t, "transfer", cfg.Model.Arch)
	assert.InDelta(t, 1e-4, cfg.Train.LearningRate, 1e-12, "transfer gets the smaller default step")
}

func TestLoad_PortFallback(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestLoad_Flags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("epochs", 20, "")
	fs.Int("batch-size", 32, "")
	fs.String("data", "data", "")
	require.NoError(t, fs.Parse([]string{"--epochs", "3", "--data", "/tmp/xray"}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, "/tmp/xray", cfg.Data.Dir)
	assert.Equal(t, 32, cfg.Train.BatchSize)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		msg  string
	}{
		{"unknown arch", map[string]string{"PNEUMO_MODEL_ARCH": "resnet"}, "unknown model architecture"},
		{"ratios", map[string]string{"PNEUMO_DATA_TRAIN_RATIO": "0.9"}, "sum to 1"},
		{"epochs", map[string]string{"PNEUMO_TRAIN_EPOCHS": "0"}, "epoch budget"},
		{"lr factor", map[string]string{"PNEUMO_TRAIN_LR_FACTOR": "1.5"}, "learning rate factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestComponentOptions(t *testing.T) {
	t.Setenv("PNEUMO_MODEL_ARCH", "transfer")
	t.Setenv("PNEUMO_TRAIN_STOP_PATIENCE", "12")
	t.Setenv("PNEUMO_DATA_VALIDATION_SPLIT", "0.25")

	cfg, err := Load(nil)
	require.NoError(t, err)

	mc := cfg.NetworkConfig()
	assert.Equal(t, model.ArchTransfer, mc.Arch)
	assert.InDelta(t, 1e-4, mc.LearningRate, 1e-12)
	assert.NoError(t, mc.Validate())

	opts := cfg.TrainOptions()
	assert.Equal(t, 12, opts.StopPatience)
	assert.InDelta(t, 0.25, opts.ValidationSplit, 1e-12)
	assert.InDelta(t, 1e-7, opts.MinLR, 1e-15)

	assert.Equal(t, dataset.DefaultRatios, cfg.Data.Ratios())
	assert.NotNil(t, cfg.OpenOptions().NewBackbone)
}
