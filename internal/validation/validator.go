// Package validation provides validation rules for flag updates and request parameters.
package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/TimurManjosov/flaggate/internal/flagdoc"
)

const (
	// MaxKeyLength is the maximum length for flag names
	MaxKeyLength = 64
	// MaxNameLength is the maximum length for project and environment names
	MaxNameLength = 128
	// MaxFlagsPerRequest bounds the size of one update
	MaxFlagsPerRequest = 500
)

// namePattern matches alphanumeric characters, underscores, dots and hyphens
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

//go:embed definition.schema.json
var definitionSchemaJSON []byte

var (
	schemaOnce       sync.Once
	definitionSchema *jsonschema.Schema
)

func compiledSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(definitionSchemaJSON))
		if err != nil {
			panic(fmt.Sprintf("validation: parse definition schema: %v", err))
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("definition.schema.json", doc); err != nil {
			panic(fmt.Sprintf("validation: add definition schema: %v", err))
		}
		definitionSchema, err = c.Compile("definition.schema.json")
		if err != nil {
			panic(fmt.Sprintf("validation: compile definition schema: %v", err))
		}
	})
	return definitionSchema
}

// ValidationResult holds the result of validation
type ValidationResult struct {
	Valid  bool
	Errors map[string]string
}

// NewValidationResult creates a new validation result
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:  true,
		Errors: make(map[string]string),
	}
}

// AddError adds a field error and marks the result as invalid
func (v *ValidationResult) AddError(field, message string) {
	v.Valid = false
	v.Errors[field] = message
}

// Merge combines another validation result into this one
func (v *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for field, message := range other.Errors {
		v.AddError(field, message)
	}
}

// ValidateFlagName validates a flag name.
func ValidateFlagName(name string) *ValidationResult {
	result := NewValidationResult()
	field := "flags." + name

	if strings.TrimSpace(name) == "" {
		result.AddError("flags", "Flag name cannot be empty")
		return result
	}

	if utf8.RuneCountInString(name) > MaxKeyLength {
		result.AddError(field, "Flag name must not exceed 64 characters")
		return result
	}

	if !namePattern.MatchString(name) {
		result.AddError(field, "Flag name must contain only alphanumeric characters, underscores, dots, and hyphens")
	}

	return result
}

// ValidateName validates a project or environment path segment.
func ValidateName(field, name string) *ValidationResult {
	result := NewValidationResult()

	if name == "" {
		result.AddError(field, field+" is required")
		return result
	}

	if utf8.RuneCountInString(name) > MaxNameLength {
		result.AddError(field, fmt.Sprintf("%s must not exceed %d characters", field, MaxNameLength))
		return result
	}

	if !namePattern.MatchString(name) || name == "." || strings.Contains(name, "..") {
		result.AddError(field, field+" must be a single path segment of alphanumeric characters, underscores, dots, and hyphens")
	}

	return result
}

// ValidateUpdateBody parses and validates the body of a flag update: a JSON
// object mapping flag names to definitions. Definitions are returned
// normalized.
func ValidateUpdateBody(body []byte) (map[string]flagdoc.Definition, *ValidationResult) {
	result := NewValidationResult()

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		result.AddError("body", "Body must be a JSON object mapping flag names to definitions")
		return nil, result
	}
	if len(raw) == 0 {
		result.AddError("body", "At least one flag is required")
		return nil, result
	}
	if len(raw) > MaxFlagsPerRequest {
		result.AddError("body", fmt.Sprintf("At most %d flags may be updated at once", MaxFlagsPerRequest))
		return nil, result
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	updates := make(map[string]flagdoc.Definition, len(raw))
	for _, name := range names {
		nameResult := ValidateFlagName(name)
		if !nameResult.Valid {
			result.Merge(nameResult)
			continue
		}
		def, err := validateDefinition(raw[name])
		if err != nil {
			result.AddError("flags."+name, err.Error())
			continue
		}
		updates[name] = def
	}

	if !result.Valid {
		return nil, result
	}
	return updates, result
}

func validateDefinition(raw json.RawMessage) (flagdoc.Definition, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return flagdoc.Definition{}, fmt.Errorf("Definition must be valid JSON")
	}
	if err := compiledSchema().Validate(inst); err != nil {
		return flagdoc.Definition{}, fmt.Errorf("Definition must be a boolean or an object with variants, defaultVariant and state")
	}

	var def flagdoc.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return flagdoc.Definition{}, err
	}
	def = def.Normalize()
	if err := def.Validate(); err != nil {
		return flagdoc.Definition{}, err
	}
	return def, nil
}
