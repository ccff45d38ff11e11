package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flaggate/internal/cli"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the flagctl configuration file.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long: `Create a default configuration file at ~/.flaggate/config.yaml

Example:
  flagctl config init`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.InitConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		configPath, _ := cli.GetConfigPath()
		fmt.Fprintf(cli.Output, "Configuration file created at: %s\n", configPath)
		fmt.Fprintln(cli.Output, "\nEdit it to set the gateway URL and your GitLab token.")

		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show configuration",
	Long: `Display the current configuration with tokens masked.

Example:
  flagctl config show`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintf(cli.Output, "Default Gateway: %s\n\n", cfg.DefaultGateway)
		fmt.Fprintln(cli.Output, "Gateways:")
		for _, name := range cfg.GatewayNames() {
			gw := cfg.Gateways[name]
			fmt.Fprintf(cli.Output, "  %s:\n", name)
			fmt.Fprintf(cli.Output, "    base_url: %s\n", gw.BaseURL)
			fmt.Fprintf(cli.Output, "    token: %s\n", cli.MaskToken(gw.Token))
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
