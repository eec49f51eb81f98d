package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var pruneBefore string

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete delivery records older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		cutoff, err := parseTimeArg("--before", pruneBefore, time.Now())
		if err != nil {
			return err
		}
		removed, err := getApp().Prune(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d deliveries recorded before %s\n", removed, cutoff.UTC().Format(time.RFC3339))
		return nil
	},
}

// parseTimeArg accepts an RFC3339 timestamp or an age such as 720h, measured
// back from now.
func parseTimeArg(flag, raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s must be provided", flag)
	}
	if age, err := time.ParseDuration(raw); err == nil {
		if age <= 0 {
			return time.Time{}, fmt.Errorf("%s age must be positive", flag)
		}
		return now.Add(-age), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return ts, nil
}

func init() {
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "Cutoff as RFC3339 timestamp or age (e.g. 720h)")
}
