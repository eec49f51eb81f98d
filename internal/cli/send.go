package cli

import (
	"github.com/spf13/cobra"

	"market-digest/internal/digest"
)

var (
	sendVariant    string
	previewVariant string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one digest to every destination now",
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, err := digest.ParseVariant(sendVariant)
		if err != nil {
			return err
		}
		return getApp().Send(cmd.Context(), variant)
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Compose a digest from live data and print it without sending",
	RunE: func(cmd *cobra.Command, args []string) error {
		variant, err := digest.ParseVariant(previewVariant)
		if err != nil {
			return err
		}
		return getApp().Preview(cmd.Context(), variant, cmd.OutOrStdout())
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendVariant, "variant", string(digest.Morning), "Digest variant: morning or evening")
	previewCmd.Flags().StringVar(&previewVariant, "variant", string(digest.Morning), "Digest variant: morning or evening")
}
