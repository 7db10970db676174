package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/scenecast/internal/script"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <file>",
	Short: "Print the fingerprint of a scene script",
	Long: `Print the whitespace-insensitive fingerprint used to detect a
regeneration loop. Scripts that differ only in indentation or blank
lines share a fingerprint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), script.FingerprintOf(string(src)))
		return nil
	},
}
