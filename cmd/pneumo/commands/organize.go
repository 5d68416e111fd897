package commands

import (
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/pneumo-api/internal/dataset"
)

func organizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "organize",
		Short: "Copy a flat NORMAL/PNEUMONIA directory into train/val/test splits",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := dataset.Organize(cfg.Data.Dir, cfg.Data.Target, cfg.Data.Ratios(), cfg.Data.Seed, log)
			if err != nil {
				return err
			}
			_, err = report.WriteTo(cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().String("target", "data", "output directory for the splits")
	return cmd
}
