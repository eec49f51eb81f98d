package cli

import (
	"time"

	"github.com/spf13/cobra"

	"market-digest/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded digest prices as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		now := time.Now()
		if exportFrom != "" {
			from, err := parseTimeArg("--from", exportFrom, now)
			if err != nil {
				return err
			}
			opts.From = &from
		}
		if exportTo != "" {
			to, err := parseTimeArg("--to", exportTo, now)
			if err != nil {
				return err
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start, RFC3339 or age such as 168h (default 30 days before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end, RFC3339 or age (default now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart of 24h changes")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum points per asset (defaults to config)")
}
