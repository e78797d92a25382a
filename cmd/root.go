package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"voxscribe/pkg/config"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voxscribe",
	Short: "Transcribe WhatsApp and Telegram voice notes in place",
	Long: "Voxscribe runs one or more bot sessions that reply to every voice note with a placeholder " +
		"and edit it into the transcript once the speech-to-text backend answers.",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $VOXSCRIBE_CONFIG, ./config.json, ./config/config.json)")
}

// loadConfig honors --config before the default lookup.
func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.LoadFile(path)
	}

	return config.LoadConfig()
}
