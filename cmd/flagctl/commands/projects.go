package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flaggate/internal/cli"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects you can see",
	Long: `List the projects of the flags repository visible to your token.

Example:
  flagctl projects --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		projects, err := c.ListProjects(ctx)
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}
		return cli.PrintNames("Project", projects, cli.OutputFormat(format))
	},
}

var envsCmd = &cobra.Command{
	Use:   "envs <project>",
	Short: "List environments of a project",
	Long: `List the environments of a project visible to your token.

Example:
  flagctl envs billing`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		envs, err := c.ListEnvs(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list environments: %w", err)
		}
		return cli.PrintNames("Environment", envs, cli.OutputFormat(format))
	},
}

func init() {
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(envsCmd)
}
