package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flaggate/internal/cli"
	"github.com/TimurManjosov/flaggate/internal/client"
)

var (
	// Global flags
	baseURL string
	token   string
	gateway string
	format  string
	timeout time.Duration
	quiet   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "flagctl",
	Short: "CLI tool for managing feature flags through flaggate",
	Long: `flagctl talks to a flaggate gateway to read and change feature flags
stored in the flags repository or in review-environment clusters.

Examples:
  flagctl projects
  flagctl envs billing
  flagctl get billing prod
  flagctl set billing prod --enable new_checkout
  flagctl set billing prod --file flags.yaml
  flagctl add billing --file flags.yaml`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the flaggate API (env "+cli.EnvBaseURL+")")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "GitLab token used for authentication (env "+cli.EnvToken+")")
	rootCmd.PersistentFlags().StringVar(&gateway, "gateway", "", "Gateway name from the config file")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 90*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
}

// newClient builds an API client from flags, environment and config file.
func newClient() (*client.Client, error) {
	gw, err := cli.GetGatewayConfig(gateway, baseURL, token)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	c := client.NewClient(gw.BaseURL, gw.Token)
	c.HTTPClient.Timeout = timeout
	return c, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}
