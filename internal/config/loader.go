package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"data":             "data.dir",
	"target":           "data.target",
	"train-ratio":      "data.train_ratio",
	"val-ratio":        "data.val_ratio",
	"test-ratio":       "data.test_ratio",
	"validation-split": "data.validation_split",
	"seed":             "data.seed",
	"model":            "model.path",
	"arch":             "model.arch",
	"backbone":         "model.backbone",
	"onnxruntime-lib":  "model.onnxruntime_lib",
	"epochs":           "train.epochs",
	"batch-size":       "train.batch_size",
	"learning-rate":    "train.learning_rate",
	"lr-patience":      "train.lr_patience",
	"stop-patience":    "train.stop_patience",
	"workers":          "train.workers",
	"watch":            "inference.watch",
	"port":             "server.port",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

// Load reads configuration from defaults, an optional config.yaml, PNEUMO_*
// environment variables and, when fs is non-nil, the command-line flags
// listed in flagKeys.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("pneumo")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/pneumo")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config

	// Data
	cfg.Data.Dir = v.GetString("data.dir")
	cfg.Data.Target = v.GetString("data.target")
	cfg.Data.TrainRatio = v.GetFloat64("data.train_ratio")
	cfg.Data.ValRatio = v.GetFloat64("data.val_ratio")
	cfg.Data.TestRatio = v.GetFloat64("data.test_ratio")
	cfg.Data.ValidationSplit = v.GetFloat64("data.validation_split")
	cfg.Data.Seed = v.GetInt64("data.seed")

	// Model
	cfg.Model.Path = v.GetString("model.path")
	cfg.Model.Arch = v.GetString("model.arch")
	cfg.Model.Backbone = v.GetString("model.backbone")
	cfg.Model.BackboneMetadata = v.GetString("model.backbone_metadata")
	cfg.Model.ONNXRuntimeLib = v.GetString("model.onnxruntime_lib")

	// Training
	cfg.Train.Epochs = v.GetInt("train.epochs")
	cfg.Train.BatchSize = v.GetInt("train.batch_size")
	cfg.Train.LearningRate = v.GetFloat64("train.learning_rate")
	cfg.Train.LRPatience = v.GetInt("train.lr_patience")
	cfg.Train.LRFactor = v.GetFloat64("train.lr_factor")
	cfg.Train.MinLR = v.GetFloat64("train.min_lr")
	cfg.Train.StopPatience = v.GetInt("train.stop_patience")
	cfg.Train.MinDelta = v.GetFloat64("train.min_delta")
	cfg.Train.Workers = v.GetInt("train.workers")

	// Inference
	cfg.Inference.OverlayAlpha = v.GetFloat64("inference.overlay_alpha")
	cfg.Inference.MockSeed = v.GetInt64("inference.mock_seed")
	cfg.Inference.Watch = v.GetBool("inference.watch")

	// Server; PORT is honored for platforms that inject it
	cfg.Server.Port = v.GetString("server.port")
	if port := os.Getenv("PORT"); port != "" && os.Getenv("PNEUMO_SERVER_PORT") == "" {
		cfg.Server.Port = port
	}

	// Logging
	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Format = v.GetString("log.format")

	if cfg.Train.LearningRate == 0 {
		cfg.Train.LearningRate = DefaultLearningRate(cfg.Model.Arch)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultLearningRate returns the Adam step size used when none is configured.
func DefaultLearningRate(arch string) float64 {
	if arch == "transfer" {
		return 1e-4
	}
	return 1e-3
}

func setDefaults(v *viper.Viper) {
	// Data defaults
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.target", "data")
	v.SetDefault("data.train_ratio", 0.8)
	v.SetDefault("data.val_ratio", 0.1)
	v.SetDefault("data.test_ratio", 0.1)
	v.SetDefault("data.validation_split", 0.2)
	v.SetDefault("data.seed", 42)

	// Model defaults
	v.SetDefault("model.path", "models/pneumonia_model.pnw")
	v.SetDefault("model.arch", "simple")
	v.SetDefault("model.backbone", "models/mobilenetv2_notop.onnx")
	v.SetDefault("model.backbone_metadata", "models/mobilenetv2_notop.json")
	v.SetDefault("model.onnxruntime_lib", "")

	// Training defaults
	v.SetDefault("train.epochs", 20)
	v.SetDefault("train.batch_size", 32)
	v.SetDefault("train.learning_rate", 0.0)
	v.SetDefault("train.lr_patience", 5)
	v.SetDefault("train.lr_factor", 0.5)
	v.SetDefault("train.min_lr", 1e-7)
	v.SetDefault("train.stop_patience", 10)
	v.SetDefault("train.min_delta", 0.0)
	v.SetDefault("train.workers", 4)

	// Inference defaults
	v.SetDefault("inference.overlay_alpha", 0.45)
	v.SetDefault("inference.mock_seed", 1)
	v.SetDefault("inference.watch", false)

	// Server defaults
	v.SetDefault("server.port", "8080")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func validate(cfg *Config) error {
	switch cfg.Model.Arch {
	case "simple", "transfer":
	default:
		return fmt.Errorf("unknown model architecture %q: use simple or transfer", cfg.Model.Arch)
	}

	sum := cfg.Data.TrainRatio + cfg.Data.ValRatio + cfg.Data.TestRatio
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("split ratios must sum to 1, got %.3f", sum)
	}
	if cfg.Data.ValidationSplit <= 0 || cfg.Data.ValidationSplit >= 1 {
		return fmt.Errorf("validation split must be in (0,1), got %.3f", cfg.Data.ValidationSplit)
	}
	if cfg.Train.Epochs <= 0 {
		return fmt.Errorf("epoch budget must be positive, got %d", cfg.Train.Epochs)
	}
	if cfg.Train.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", cfg.Train.BatchSize)
	}
	if cfg.Train.LRFactor <= 0 || cfg.Train.LRFactor >= 1 {
		return fmt.Errorf("learning rate factor must be in (0,1), got %.3f", cfg.Train.LRFactor)
	}
	if cfg.Inference.OverlayAlpha < 0 || cfg.Inference.OverlayAlpha > 1 {
		return fmt.Errorf("overlay alpha must be in [0,1], got %.3f", cfg.Inference.OverlayAlpha)
	}
	return nil
}
