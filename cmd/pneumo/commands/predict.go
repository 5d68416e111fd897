package commands

import (
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/pneumo-api/internal/inference"
	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/preprocess"
)

func predictCmd() *cobra.Command {
	var heatmapDir string

	cmd := &cobra.Command{
		Use:   "predict IMAGE...",
		Short: "Classify images and optionally write heatmap overlays",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache := inference.NewCache(inference.FileOpener(cfg.OpenOptions()), model.NewMock(cfg.Inference.MockSeed), log)
			defer func() {
				cache.Close()
				model.ShutdownRuntime()
			}()
			m := cache.Load(cfg.Model.Path)

			engine := inference.NewEngine(inference.Options{
				OverlayAlpha: cfg.Inference.OverlayAlpha,
				MockSeed:     cfg.Inference.MockSeed,
			}, log)

			if heatmapDir != "" {
				if err := os.MkdirAll(heatmapDir, 0o755); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			skipped := 0
			for _, path := range args {
				img, err := preprocess.DecodeFile(path)
				if err != nil {
					var formatErr *preprocess.UnsupportedFormatError
					if !errors.As(err, &formatErr) {
						return err
					}
					log.Warn("skipping image", zap.String("path", path), zap.Error(err))
					skipped++
					continue
				}

				res := engine.Predict(m, img)
				mock := ""
				if res.IsMock {
					mock = " (mock)"
				}
				fmt.Fprintf(out, "%s\t%s\t%.3f%s\n", path, res.Label, res.Confidence, mock)

				if heatmapDir != "" {
					name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "_heatmap.png"
					if err := writePNG(filepath.Join(heatmapDir, name), res); err != nil {
						return err
					}
				}
			}
			if skipped > 0 {
				log.Warn("skipped unsupported images", zap.Int("count", skipped))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&heatmapDir, "heatmap-dir", "", "write overlay PNGs here")
	return cmd
}

func writePNG(path string, res *inference.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, res.Overlay); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
