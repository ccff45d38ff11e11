package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flaggate/internal/cli"
)

var getCmd = &cobra.Command{
	Use:   "get <project> <env>",
	Short: "Show the flags of an environment",
	Long: `Show the flags of an environment.

Examples:
  flagctl get billing prod
  flagctl get billing review-mr-42 --format yaml`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		flags, err := c.GetFlags(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to get flags: %w", err)
		}
		return cli.PrintFlags(flags, cli.OutputFormat(format))
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
