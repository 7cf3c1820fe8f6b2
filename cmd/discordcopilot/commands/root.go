// Package commands implements the discordcopilot CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "discordcopilot",
		Short: "Discord copilot - knowledge-grounded replies with Gemini",
		Long: `discordcopilot answers messages in allow-listed Discord channels using
Gemini, grounding replies in a knowledge base and per-channel history.

Examples:
  discordcopilot serve
  discordcopilot migrate
  discordcopilot channels allow 123456789012345678
  discordcopilot persona set "You are the support bot for Acme."
  discordcopilot secrets set discord_token`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newHealthCmd(),
		newChannelsCmd(),
		newPersonaCmd(),
		newHistoryCmd(),
		newSecretsCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
