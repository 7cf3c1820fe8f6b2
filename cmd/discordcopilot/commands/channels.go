package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newChannelsCmd creates the `discordcopilot channels` command that manages
// the allow-list.
func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage the channels the bot answers in",
		Long: `Manage the channel allow-list. The bot only replies in channels listed here.

Examples:
  discordcopilot channels list
  discordcopilot channels allow 123456789012345678
  discordcopilot channels revoke 123456789012345678`,
	}

	cmd.AddCommand(
		newChannelsListCmd(),
		newChannelsAllowCmd(),
		newChannelsRevokeCmd(),
	)
	return cmd
}

func newChannelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List allowed channels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openAdmin(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()

			entries, err := env.store.ListChannels(commandContext(cmd))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No channels allowed.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHANNEL\tALLOWED AT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\n", e.ChannelID, e.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newChannelsAllowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow <channel-id>",
		Short: "Allow the bot to reply in a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAdmin(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.store.AllowChannel(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Channel %s allowed.\n", args[0])
			return nil
		},
	}
}

func newChannelsRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <channel-id>",
		Short: "Stop replying in a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openAdmin(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.store.RevokeChannel(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Channel %s revoked.\n", args[0])
			return nil
		},
	}
}
