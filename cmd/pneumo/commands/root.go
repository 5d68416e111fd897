// Package commands implements the pneumo command line: dataset checks and
// organization, training and batch prediction.
package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/pneumo-api/internal/config"
	"github.com/Brownie44l1/pneumo-api/internal/logger"
)

var (
	cfg *config.Config
	log *zap.Logger
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pneumo",
		Short:         "Chest X-ray pneumonia classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(cmd.Flags()); err != nil {
				return err
			}
			// Logs go to stderr, results to stdout.
			log = logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cmd.ErrOrStderr()})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("data", "data", "dataset directory")
	pf.Float64("train-ratio", 0.8, "train fraction for organize")
	pf.Float64("val-ratio", 0.1, "validation fraction for organize")
	pf.Float64("test-ratio", 0.1, "test fraction for organize")
	pf.Int64("seed", 42, "split and initialization seed")
	pf.String("model", "models/pneumonia_model.pnw", "weights file")
	pf.String("arch", "simple", "architecture: simple or transfer")
	pf.String("backbone", "models/mobilenetv2_notop.onnx", "ONNX backbone for the transfer architecture")
	pf.String("onnxruntime-lib", "", "path to the ONNX Runtime shared library")
	pf.String("log-level", "info", "log level")
	pf.String("log-format", "json", "log format: json or console")

	root.AddCommand(checkCmd(), organizeCmd(), trainCmd(), predictCmd())
	return root
}
