package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/mjdshiraz-hash/Instagram-dm-webhook/cmd.Version=v1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "dmrelay",
	Short:   "Relay Instagram direct messages to Telegram",
	Long:    "dmrelay receives Instagram Messaging webhooks, tags each direct message with a topic category and the sender's username, and forwards it to a Telegram chat.",
	Version: Version,
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
