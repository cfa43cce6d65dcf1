package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/sentra/pkg/sentra/copilot"
)

// newConfigCmd creates the `sentra config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the Sentra configuration",
		Long: `Manage the Sentra configuration file and secrets.

Examples:
  sentra config init
  sentra config show
  sentra config set-key`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			if path == "" {
				path = "config.yaml"
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := copilot.DefaultConfig()
			cfg.API.APIKey = "${SENTRA_API_KEY}"
			if err := copilot.SaveConfigToFile(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Store your API key with: sentra config set-key")
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			shown := *cfg
			shown.API.APIKey = maskSecret(shown.API.APIKey)
			shown.WebSocket.Token = maskSecret(shown.WebSocket.Token)
			shown.Gateway.AuthToken = maskSecret(shown.Gateway.AuthToken)

			data, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			if path == "" {
				path = "(defaults + environment)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n%s", path, data)
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the LLM API key in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := copilot.ReadPassword("API key: ")
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			if err := copilot.StoreAPIKey(key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key stored in the OS keyring.")
			return nil
		},
	}
}

// maskSecret keeps env references readable and hides literal values.
func maskSecret(s string) string {
	switch {
	case s == "", copilot.IsEnvReference(s):
		return s
	case len(s) <= 8:
		return "********"
	default:
		return s[:4] + "..." + s[len(s)-4:]
	}
}
