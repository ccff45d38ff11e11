package flagdoc

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Schema is the key path, from the document root, of the mapping that holds
// flag entries.
type Schema []string

var (
	// SchemaFlagSpec is the layout of per-environment files.
	SchemaFlagSpec = Schema{"spec", "flagSpec", "flags"}
	// SchemaRoot is the layout of project-root flags.yaml.
	SchemaRoot = Schema{"flags"}
)

func (s Schema) String() string {
	return strings.Join(s, ".")
}

// Merge applies updates to the flag mapping of original and returns the new
// document text. Empty, unparseable or non-mapping input starts from an empty
// document; missing or non-mapping sections along schema are created. Every
// other node, including comments and key order, is left as it was.
//
// Merge does no I/O. Keys are applied in sorted order, so the output only
// depends on its inputs, and merging the same updates twice is a no-op.
func Merge(original string, updates map[string]Definition, schema Schema) (string, error) {
	if len(schema) == 0 {
		return "", errors.New("flagdoc: empty schema")
	}
	doc := parseDocument(original)

	section := doc.Content[0]
	for _, key := range schema {
		section = ensureMapping(section, key)
	}

	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var value yaml.Node
		if err := value.Encode(updates[name]); err != nil {
			return "", fmt.Errorf("flagdoc: encode %s: %w", name, err)
		}
		setKey(section, name, &value)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("flagdoc: encode document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("flagdoc: encode document: %w", err)
	}
	return buf.String(), nil
}

// Extract returns the flag entries found at schema. A document without that
// section yields an empty map.
func Extract(text string, schema Schema) (map[string]Definition, error) {
	flags := map[string]Definition{}
	if strings.TrimSpace(text) == "" {
		return flags, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("flagdoc: parse document: %w", err)
	}
	if len(doc.Content) == 0 {
		return flags, nil
	}
	node := doc.Content[0]
	for _, key := range schema {
		node = lookup(node, key)
		if node == nil {
			return flags, nil
		}
	}
	if node.Kind != yaml.MappingNode {
		return flags, nil
	}
	if err := node.Decode(&flags); err != nil {
		return nil, fmt.Errorf("flagdoc: decode %s: %w", schema, err)
	}
	return flags, nil
}

// DocumentName returns metadata.name, or "" when the document has none.
func DocumentName(text string) string {
	var doc struct {
		Metadata struct {
			Name string `yaml:"name"`
		} `yaml:"metadata"`
	}
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return ""
	}
	return doc.Metadata.Name
}

func parseDocument(text string) *yaml.Node {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil ||
		doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 ||
		doc.Content[0].Kind != yaml.MappingNode {
		return &yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}
	}
	return &doc
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	if mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// ensureMapping returns the mapping stored under key, creating it or
// replacing a non-mapping value.
func ensureMapping(parent *yaml.Node, key string) *yaml.Node {
	if child := lookup(parent, key); child != nil && child.Kind == yaml.MappingNode {
		return child
	}
	child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	setKey(parent, key, child)
	return child
}

func setKey(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
	// "{}" would otherwise stay a flow mapping once it has entries.
	if len(mapping.Content) == 0 {
		mapping.Style &^= yaml.FlowStyle
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}
