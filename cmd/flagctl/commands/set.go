package commands

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/TimurManjosov/flaggate/internal/cli"
	"github.com/TimurManjosov/flaggate/internal/client"
	"github.com/TimurManjosov/flaggate/internal/flagdoc"
)

var (
	setFile    string
	setEnable  []string
	setDisable []string
	addFile    string
)

var setCmd = &cobra.Command{
	Use:   "set <project> <env>",
	Short: "Change flags of an environment",
	Long: `Change flags of an environment. Definitions from --file are applied
first, then --enable and --disable toggles. Structured flags keep their
variants when toggled.

Examples:
  flagctl set billing prod --enable new_checkout
  flagctl set billing prod --disable legacy_banner --disable old_search
  flagctl set billing prod --file flags.yaml`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, env := args[0], args[1]
		if setFile == "" && len(setEnable) == 0 && len(setDisable) == 0 {
			return fmt.Errorf("nothing to change, use --file, --enable or --disable")
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var updates map[string]flagdoc.Definition
		if setFile != "" {
			if updates, err = cli.ReadUpdates(setFile); err != nil {
				return err
			}
		}

		if len(setEnable) > 0 || len(setDisable) > 0 {
			// Toggles keep the variants of structured flags, so read them first.
			current, err := c.GetFlags(ctx, project, env)
			var apiErr *client.APIError
			if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound) {
				return fmt.Errorf("failed to get current flags: %w", err)
			}
			updates = cli.ApplyToggles(current, updates, setEnable, setDisable)
		}

		res, err := c.UpdateFlags(ctx, project, env, updates)
		if err != nil {
			return fmt.Errorf("failed to update flags: %w", err)
		}
		printResult(res)
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add <project>",
	Short: "Add flags to a project",
	Long: `Add or change flags in the project-root flags file. Requires
ownership of the project in CODEOWNERS.

Example:
  flagctl add billing --file flags.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		updates, err := cli.ReadUpdates(addFile)
		if err != nil {
			return err
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		res, err := c.AddFlags(ctx, args[0], updates)
		if err != nil {
			return fmt.Errorf("failed to add flags: %w", err)
		}
		printResult(res)
		return nil
	},
}

func printResult(res *client.UpdateResult) {
	if quiet {
		return
	}
	fmt.Fprintf(cli.Output, "%s", res.Status)
	if res.CommitMessage != "" {
		fmt.Fprintf(cli.Output, ": %s", res.CommitMessage)
	}
	if res.Attempts > 1 {
		fmt.Fprintf(cli.Output, " (after %d attempts)", res.Attempts)
	}
	fmt.Fprintln(cli.Output)
}

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(addCmd)

	setCmd.Flags().StringVarP(&setFile, "file", "f", "", "YAML or JSON file with flag definitions")
	setCmd.Flags().StringArrayVar(&setEnable, "enable", nil, "Flag to enable (repeatable)")
	setCmd.Flags().StringArrayVar(&setDisable, "disable", nil, "Flag to disable (repeatable)")

	addCmd.Flags().StringVarP(&addFile, "file", "f", "", "YAML or JSON file with flag definitions")
	_ = addCmd.MarkFlagRequired("file")
}
