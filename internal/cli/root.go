// Package cli provides the command-line interface for scenecast.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configPath string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scenecast",
	Short: "Turn a topic into a narrated math animation video",
	Long: `Scenecast writes a narration and an animated scene script for a topic,
repairs the script until it renders, uploads the finished video and
optionally publishes it.

Run "scenecast serve" to start the HTTP service. The validate and
fingerprint commands work on single script files and need no config.`,
	Version:      Version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: $SCENECAST_CONFIG or ./config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(fingerprintCmd)
}
