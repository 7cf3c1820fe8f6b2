package commands

import (
	"fmt"
	"strings"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/copilot"
	"github.com/spf13/cobra"
)

// newSecretsCmd creates the `discordcopilot secrets` command that manages
// credentials in the OS keyring.
func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Store credentials in the OS keyring",
		Long: fmt.Sprintf(`Store or remove credentials in the OS keyring. Keyring values take
precedence over environment variables and config.yaml.

Known secrets: %s

Examples:
  discordcopilot secrets set discord_token
  echo "$KEY" | discordcopilot secrets set gemini_api_key
  discordcopilot secrets delete database_password`, strings.Join(copilot.SecretNames(), ", ")),
	}

	cmd.AddCommand(newSecretsSetCmd(), newSecretsDeleteCmd())
	return cmd
}

func newSecretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set <name>",
		Short:     "Store a secret (read without echo)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: copilot.SecretNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := copilot.ReadPassword(fmt.Sprintf("Enter %s: ", args[0]))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value, nothing stored")
			}
			if err := copilot.StoreKeyring(args[0], value); err != nil {
				return fmt.Errorf("storing %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %s stored in the OS keyring.\n", args[0])
			return nil
		},
	}
}

func newSecretsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "delete <name>",
		Short:     "Remove a secret from the keyring",
		Args:      cobra.ExactArgs(1),
		ValidArgs: copilot.SecretNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := copilot.DeleteKeyring(args[0]); err != nil {
				return fmt.Errorf("deleting %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret %s removed.\n", args[0])
			return nil
		},
	}
}
