package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `discordcopilot health` command. Used by Docker
// HEALTHCHECK and monitoring.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check datastore connectivity",
		Long:  `Ping the configured datastore and print its status as JSON. Exits non-zero when unreachable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openAdmin(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := commandContext(cmd)
			status := map[string]any{
				"status":   "ok",
				"backend":  env.backend.Type,
				"database": env.backend.Health.Status(ctx),
			}
			if err := env.backend.Health.Ping(ctx); err != nil {
				status["status"] = "unavailable"
				status["error"] = err.Error()
			}

			out, err := json.Marshal(status)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if status["status"] != "ok" {
				return fmt.Errorf("datastore unavailable")
			}
			return nil
		},
	}
}
