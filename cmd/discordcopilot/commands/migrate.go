package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates the `discordcopilot migrate` command.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the datastore schema",
		Long: `Create the channels, system_instructions, documents and
conversation_history tables if they do not exist. Safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openAdmin(cmd, true)
			if err != nil {
				return err
			}
			defer env.Close()

			version, err := env.backend.Migrator.CurrentVersion(commandContext(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (backend=%s, version=%d)\n", env.backend.Type, version)
			return nil
		},
	}
}
