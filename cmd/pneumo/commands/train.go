package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/pneumo-api/internal/dataset"
	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/train"
)

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier and keep the best weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := dataset.Scan(cfg.Data.Dir)
			if err != nil {
				return err
			}

			var newBackbone func() (model.FeatureExtractor, error)
			if cfg.Model.Arch == string(model.ArchTransfer) {
				newBackbone = model.BackboneFactory(cfg.Model.ONNXRuntimeLib, cfg.Model.Backbone, cfg.Model.BackboneMetadata)
				defer model.ShutdownRuntime()
			}

			net, err := buildNetwork(cfg.NetworkConfig(), newBackbone)
			if err != nil {
				return err
			}
			defer net.Close()

			trainer, err := train.New(net, cfg.TrainOptions(),
				train.FileLoader{Workers: cfg.Train.Workers},
				train.FileCheckpointer{Path: cfg.Model.Path},
				log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := trainer.Run(ctx, ds)
			if report != nil {
				printHistory(cmd, report)
			}
			if err != nil {
				return err
			}
			log.Info("best weights saved", zap.String("path", cfg.Model.Path), zap.Int("epoch", report.BestEpoch))
			return nil
		},
	}

	f := cmd.Flags()
	f.Int("epochs", 20, "epoch budget")
	f.Int("batch-size", 32, "batch size")
	f.Float64("validation-split", 0.2, "validation fraction held out of a flat dataset")
	f.Float64("learning-rate", 0, "Adam learning rate (default depends on --arch)")
	f.Int("lr-patience", 5, "epochs without improvement before halving the learning rate")
	f.Int("stop-patience", 10, "epochs without improvement before stopping")
	f.Int("workers", 4, "parallel image decoders")
	return cmd
}

// buildNetwork builds a fresh network, creating its backbone first when
// newBackbone is set. The backbone is closed if the build fails.
func buildNetwork(mc model.Config, newBackbone func() (model.FeatureExtractor, error)) (model.Network, error) {
	var opts model.BuildOptions
	if newBackbone != nil {
		backbone, err := newBackbone()
		if err != nil {
			return nil, err
		}
		opts.Backbone = backbone
	}

	net, err := model.Build(mc, opts)
	if err != nil {
		if opts.Backbone != nil {
			opts.Backbone.Close()
		}
		return nil, err
	}
	return net, nil
}

func printHistory(cmd *cobra.Command, report *train.Report) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "epoch\ttrain_loss\tval_loss\tval_acc\tprecision\trecall\tlr\tstate")
	for _, e := range report.History {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%.3f\t%.3f\t%.3f\t%.2g\t%s\n",
			e.Epoch, e.TrainLoss, e.Val.Loss, e.Val.Accuracy, e.Val.Precision, e.Val.Recall, e.LearningRate, e.State)
	}
	tw.Flush()

	out := cmd.OutOrStdout()
	if report.Final != "" {
		fmt.Fprintf(out, "\n%s, best epoch %d (val_loss %.4f)\n", report.Final, report.BestEpoch, report.BestValLoss)
	}
	if report.Test != nil {
		fmt.Fprintf(out, "test: loss %.4f, accuracy %.3f, precision %.3f, recall %.3f over %d images\n",
			report.Test.Loss, report.Test.Accuracy, report.Test.Precision, report.Test.Recall, report.Test.Samples)
	}
}
