package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/pneumo-api/internal/dataset"
)

type weightsStatus struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
}

func checkCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report per-split class counts without touching any file",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, planErr := dataset.Check(cfg.Data.Dir, cfg.Data.Ratios(), cfg.Data.Seed)
			if report == nil {
				return planErr
			}

			weights := weightsStatus{Path: cfg.Model.Path}
			if info, err := os.Stat(cfg.Model.Path); err == nil {
				weights.Exists, weights.Size = true, info.Size()
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(struct {
					Dataset *dataset.Report `json:"dataset"`
					Weights weightsStatus   `json:"weights"`
				}{report, weights}); err != nil {
					return err
				}
				return planErr
			}

			if _, err := report.WriteTo(out); err != nil {
				return err
			}
			if weights.Exists {
				fmt.Fprintf(out, "\nweights: %s (%d bytes)\n", weights.Path, weights.Size)
			} else {
				fmt.Fprintf(out, "\nweights: %s not found, predictions will use the mock model\n", weights.Path)
			}
			return planErr
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
