package mapper

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// documentSchema validates the shape of a mapper document before its
// properties are walked. Field-level rules (types, addresses, macros) are
// checked while flattening so errors can name the field path.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["meta", "properties"],
  "properties": {
    "meta": {
      "type": "object",
      "required": ["id", "gamePlatform"],
      "properties": {
        "schemaVersion": {"type": "integer", "minimum": 0},
        "id": {"type": "string", "minLength": 1},
        "gameName": {"type": "string"},
        "gamePlatform": {"type": "string", "minLength": 1}
      }
    },
    "properties": {"type": "object"},
    "macros": {
      "type": ["object", "null"],
      "additionalProperties": {"type": "object"}
    },
    "glossary": {
      "type": ["object", "null"],
      "additionalProperties": {"type": ["object", "null"]}
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return compiledSchema, schemaErr
}

// validateDocument checks a parsed YAML document against documentSchema
func validateDocument(doc *yaml.Node) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("compile mapper schema: %w", err)
	}

	tree, err := toTree(doc, 0)
	if err != nil {
		return err
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(tree))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

const maxTreeDepth = 100

// toTree converts a YAML node into plain maps, slices and scalars that
// encoding/json can marshal. Mapping keys are always strings, so integer
// glossary keys survive the conversion.
func toTree(n *yaml.Node, depth int) (any, error) {
	if depth > maxTreeDepth {
		return nil, fmt.Errorf("document nesting exceeds %d levels", maxTreeDepth)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return toTree(n.Content[0], depth+1)
	case yaml.AliasNode:
		return toTree(n.Alias, depth+1)
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := toTree(n.Content[i+1], depth+1)
			if err != nil {
				return nil, err
			}
			out[n.Content[i].Value] = v
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := toTree(c, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		if n.Tag == "!!null" {
			return nil, nil
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		// timestamps and binary scalars have no JSON form
		switch v.(type) {
		case string, bool, int, int64, uint64, float64:
			return v, nil
		default:
			return n.Value, nil
		}
	}
}
