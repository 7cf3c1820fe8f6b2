package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newHistoryCmd creates the `discordcopilot history` command.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Manage stored conversation history",
		Long: `Delete stored conversation turns.

Examples:
  discordcopilot history purge 123456789012345678
  discordcopilot history prune --older-than 720h`,
	}

	cmd.AddCommand(newHistoryPurgeCmd(), newHistoryPruneCmd())
	return cmd
}

func newHistoryPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <channel-id>",
		Short: "Delete every turn of one channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAdmin(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.store.PurgeHistory(commandContext(cmd), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d turns from channel %s.\n", n, args[0])
			return nil
		},
	}
}

func newHistoryPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete turns older than a duration across all channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			age, _ := cmd.Flags().GetDuration("older-than")
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			env, err := openAdmin(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := env.store.PruneHistory(commandContext(cmd), time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d turns older than %s.\n", n, age)
			return nil
		},
	}

	cmd.Flags().Duration("older-than", 0, "delete turns older than this (e.g. 720h)")
	return cmd
}
