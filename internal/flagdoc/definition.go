// Package flagdoc models flag definitions and edits the YAML documents that
// hold them.
package flagdoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the two shapes a Definition can take.
type Kind int

const (
	// KindBoolean is the legacy on/off shape.
	KindBoolean Kind = iota + 1
	// KindStructured is the OpenFeature variants shape.
	KindStructured
)

// State is the enablement state of a structured flag.
type State string

const (
	StateEnabled  State = "ENABLED"
	StateDisabled State = "DISABLED"
)

// Structured is an OpenFeature flag: named variants, the variant served by
// default and whether the flag is enabled. Any other key of the flag, such
// as targeting, is kept verbatim in Extra.
type Structured struct {
	Variants       map[string]any `json:"variants" yaml:"variants"`
	DefaultVariant string         `json:"defaultVariant" yaml:"defaultVariant"`
	State          State          `json:"state" yaml:"state"`
	Extra          map[string]any `json:"-" yaml:",inline"`
}

var structuredKeys = map[string]bool{"variants": true, "defaultVariant": true, "state": true}

// MarshalJSON implements json.Marshaler.
func (s Structured) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+len(structuredKeys))
	for k, v := range s.Extra {
		out[k] = v
	}
	out["variants"] = s.Variants
	out["defaultVariant"] = s.DefaultVariant
	out["state"] = s.State
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Structured) UnmarshalJSON(data []byte) error {
	type plain Structured
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, v := range all {
		if structuredKeys[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]any)
		}
		p.Extra[k] = v
	}
	*s = Structured(p)
	return nil
}

// Definition is one flag value as stored in a flag document: either a bare
// boolean or a Structured flag.
type Definition struct {
	Kind       Kind
	Enabled    bool
	Structured Structured
}

// Bool returns a legacy boolean definition.
func Bool(v bool) Definition {
	return Definition{Kind: KindBoolean, Enabled: v}
}

// Struct returns a structured definition.
func Struct(s Structured) Definition {
	return Definition{Kind: KindStructured, Structured: s}
}

// Normalize returns d with the state upper-cased.
func (d Definition) Normalize() Definition {
	if d.Kind == KindStructured {
		d.Structured.State = State(strings.ToUpper(strings.TrimSpace(string(d.Structured.State))))
	}
	return d
}

// Validate checks that d is well-formed.
func (d Definition) Validate() error {
	switch d.Kind {
	case KindBoolean:
		return nil
	case KindStructured:
		s := d.Structured
		if len(s.Variants) == 0 {
			return errors.New("variants must not be empty")
		}
		if s.DefaultVariant == "" {
			return errors.New("defaultVariant is required")
		}
		if _, ok := s.Variants[s.DefaultVariant]; !ok {
			return fmt.Errorf("defaultVariant %q is not one of the variants (%s)", s.DefaultVariant, strings.Join(variantNames(s.Variants), ", "))
		}
		if s.State != StateEnabled && s.State != StateDisabled {
			return fmt.Errorf("state must be %s or %s, got %q", StateEnabled, StateDisabled, s.State)
		}
		return nil
	default:
		return errors.New("definition is empty")
	}
}

// ToStructured converts a boolean definition to the equivalent
// {on: true, off: false} flag. Structured definitions are returned as is.
func (d Definition) ToStructured() Structured {
	if d.Kind == KindStructured {
		return d.Structured
	}
	def := "off"
	if d.Enabled {
		def = "on"
	}
	return Structured{
		Variants:       map[string]any{"on": true, "off": false},
		DefaultVariant: def,
		State:          StateEnabled,
	}
}

func (d Definition) value() any {
	if d.Kind == KindBoolean {
		return d.Enabled
	}
	return d.Structured
}

// MarshalJSON implements json.Marshaler.
func (d Definition) MarshalJSON() ([]byte, error) {
	if d.Kind == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(d.value())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Definition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*d = Bool(data[0] == 't')
		return nil
	case len(data) > 0 && data[0] == '{':
		var s Structured
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode flag definition: %w", err)
		}
		*d = Struct(s)
		return nil
	default:
		return fmt.Errorf("flag definition must be a boolean or an object, got %s", truncate(string(data), 32))
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Definition) MarshalYAML() (any, error) {
	if d.Kind == 0 {
		return nil, nil
	}
	return d.value(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("line %d: flag definition must be a boolean or a mapping", node.Line)
		}
		*d = Bool(b)
		return nil
	case yaml.MappingNode:
		var s Structured
		if err := node.Decode(&s); err != nil {
			return err
		}
		*d = Struct(s)
		return nil
	default:
		return fmt.Errorf("line %d: flag definition must be a boolean or a mapping", node.Line)
	}
}

func variantNames(variants map[string]any) []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
