package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/store"
	"github.com/spf13/cobra"
)

// newPersonaCmd creates the `discordcopilot persona` command.
func newPersonaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Show or replace the persona instruction",
		Long: `The persona is the system instruction every reply starts from. When none is
stored the configured fallback persona is used.

Examples:
  discordcopilot persona show
  discordcopilot persona set "You are the support bot for Acme."
  discordcopilot persona set --file persona.txt`,
	}

	cmd.AddCommand(newPersonaShowCmd(), newPersonaSetCmd())
	return cmd
}

func newPersonaShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored persona",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openAdmin(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()

			content, err := env.store.Persona(commandContext(cmd))
			if errors.Is(err, store.ErrNotFound) || (err == nil && strings.TrimSpace(content) == "") {
				fmt.Fprintf(cmd.OutOrStdout(), "No persona stored; using fallback:\n%s\n", env.cfg.Pipeline.FallbackPersona)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), content)
			return nil
		},
	}
}

func newPersonaSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [text]",
		Short: "Replace the stored persona",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")

			var content string
			switch {
			case file == "-":
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading persona: %w", err)
				}
				content = string(data)
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading persona: %w", err)
				}
				content = string(data)
			case len(args) == 1:
				content = args[0]
			default:
				return fmt.Errorf("persona text or --file is required")
			}

			content = strings.TrimSpace(content)
			if content == "" {
				return fmt.Errorf("persona must not be empty")
			}

			env, err := openAdmin(cmd, false)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.store.SetPersona(commandContext(cmd), content); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Persona updated (%d characters).\n", len([]rune(content)))
			return nil
		},
	}

	cmd.Flags().StringP("file", "f", "", "read the persona from a file (- for stdin)")
	return cmd
}
