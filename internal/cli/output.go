package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/flaggate/internal/flagdoc"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// Output is where commands print; tests replace it.
var Output io.Writer = os.Stdout

// PrintFlags outputs flags in the specified format
func PrintFlags(flags map[string]flagdoc.Definition, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(flags)
	case FormatYAML:
		return printYAML(flags)
	case FormatTable:
		return printFlagTable(flags)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintNames outputs a list of project or environment names
func PrintNames(header string, names []string, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(names)
	case FormatYAML:
		return printYAML(names)
	case FormatTable:
		table := tablewriter.NewWriter(Output)
		table.Header(header)
		for _, name := range names {
			if err := table.Append(name); err != nil {
				return err
			}
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printJSON(data any) error {
	encoder := json.NewEncoder(Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(data any) error {
	encoder := yaml.NewEncoder(Output)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

func printFlagTable(flags map[string]flagdoc.Definition) error {
	table := tablewriter.NewWriter(Output)
	table.Header("Name", "Type", "State", "Default", "Variants")

	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := flags[name]
		var row []any
		if def.Kind == flagdoc.KindBoolean {
			row = []any{name, "boolean", fmt.Sprintf("%t", def.Enabled), "", ""}
		} else {
			s := def.Structured
			variants := make([]string, 0, len(s.Variants))
			for v := range s.Variants {
				variants = append(variants, v)
			}
			sort.Strings(variants)
			row = []any{name, "variants", string(s.State), s.DefaultVariant, truncate(strings.Join(variants, ", "), 40)}
		}
		if err := table.Append(row...); err != nil {
			return err
		}
	}

	return table.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
