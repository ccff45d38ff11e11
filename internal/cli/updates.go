package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/flaggate/internal/flagdoc"
)

// ReadUpdates loads flag definitions from a YAML or JSON file. The file may
// be a plain name → definition mapping, a project flags document (flags:)
// or an environment document (spec.flagSpec.flags).
func ReadUpdates(path string) (map[string]flagdoc.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	text := string(data)

	for _, schema := range []flagdoc.Schema{flagdoc.SchemaFlagSpec, flagdoc.SchemaRoot} {
		flags, err := flagdoc.Extract(text, schema)
		if err == nil && len(flags) > 0 {
			return flags, nil
		}
	}

	var flags map[string]flagdoc.Definition
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(flags) == 0 {
		return nil, fmt.Errorf("%s contains no flags", path)
	}
	return flags, nil
}

// ApplyToggles turns the named flags on or off. Existing structured flags
// keep their variants and only change state; anything else becomes a
// boolean flag.
func ApplyToggles(current, updates map[string]flagdoc.Definition, enable, disable []string) map[string]flagdoc.Definition {
	if updates == nil {
		updates = make(map[string]flagdoc.Definition)
	}
	toggle := func(name string, on bool) {
		def, ok := updates[name]
		if !ok {
			def, ok = current[name]
		}
		if ok && def.Kind == flagdoc.KindStructured {
			s := def.Structured
			s.State = flagdoc.StateDisabled
			if on {
				s.State = flagdoc.StateEnabled
			}
			updates[name] = flagdoc.Struct(s)
			return
		}
		updates[name] = flagdoc.Bool(on)
	}
	for _, name := range enable {
		toggle(name, true)
	}
	for _, name := range disable {
		toggle(name, false)
	}
	return updates
}
