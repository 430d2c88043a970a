package mapper

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/c360/memhook/codec"
	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/preprocessor"
)

// macroTypeName marks a property that instantiates a macro
const macroTypeName = "macro"

const maxMacroDepth = 16

// Parse decodes and validates a mapper document
func Parse(data []byte) (*Mapper, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, invalid("decode yaml", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, invalid("decode yaml", fmt.Errorf("empty document"))
	}
	doc := root.Content[0]

	if err := validateDocument(doc); err != nil {
		return nil, invalid("validate document", err)
	}

	sections := mappingKeys(doc)

	meta, err := parseMeta(sections["meta"])
	if err != nil {
		return nil, err
	}

	glossary, err := parseGlossary(sections["glossary"])
	if err != nil {
		return nil, err
	}

	w := &walker{
		macros: mappingKeys(sections["macros"]),
		seen:   make(map[string]struct{}),
	}
	if err := w.walk(sections["properties"], "", nil, 0); err != nil {
		return nil, err
	}

	for _, f := range w.fields {
		name := f.GlossaryName()
		if name == "" {
			continue
		}
		if _, ok := glossary[name]; !ok && f.Type == codec.Reference {
			return nil, invalid("resolve glossary", fmt.Errorf("field %q references unknown glossary %q", f.Path, name))
		}
	}

	return &Mapper{Meta: meta, Fields: w.fields, Glossary: glossary}, nil
}

func invalid(action string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrSchemaValidation, err), "Mapper", "Parse", action)
}

func parseMeta(n *yaml.Node) (Meta, error) {
	var raw struct {
		SchemaVersion int    `yaml:"schemaVersion"`
		ID            string `yaml:"id"`
		GameName      string `yaml:"gameName"`
		GamePlatform  string `yaml:"gamePlatform"`
	}
	if err := n.Decode(&raw); err != nil {
		return Meta{}, invalid("decode meta", err)
	}

	id, err := uuid.Parse(raw.ID)
	if err != nil {
		return Meta{}, invalid("parse meta.id", err)
	}
	if id == uuid.Nil {
		return Meta{}, invalid("parse meta.id", fmt.Errorf("mapper id is not defined in meta"))
	}

	return Meta{
		SchemaVersion: raw.SchemaVersion,
		ID:            id,
		GameName:      raw.GameName,
		Platform:      raw.GamePlatform,
	}, nil
}

func parseGlossary(n *yaml.Node) (map[string]Glossary, error) {
	out := make(map[string]Glossary)
	if n == nil || n.Kind != yaml.MappingNode {
		return out, nil
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		name := n.Content[i].Value
		table := resolve(n.Content[i+1])

		entries := Glossary{}
		if table.Kind == yaml.MappingNode {
			for j := 0; j+1 < len(table.Content); j += 2 {
				key, err := parseNumber(table.Content[j].Value, false)
				if err != nil {
					return nil, invalid("parse glossary", fmt.Errorf("glossary %q: key %q: %w", name, table.Content[j].Value, err))
				}
				var value any
				if v := resolve(table.Content[j+1]); v.Tag != "!!null" {
					if err := v.Decode(&value); err != nil {
						return nil, invalid("parse glossary", fmt.Errorf("glossary %q: value for %d: %w", name, key, err))
					}
				}
				entries = append(entries, GlossaryEntry{Key: key, Value: value})
			}
		}
		out[name] = entries
	}
	return out, nil
}

type walker struct {
	macros map[string]*yaml.Node
	fields []FieldSpec
	seen   map[string]struct{}
}

// walk flattens the properties tree. Outside a macro a mapping with type and
// address (or preprocessor) is a field; inside a macro any mapping with a
// type is. Keys made only of underscores merge their children into the parent
// path.
func (w *walker) walk(n *yaml.Node, path string, base *uint32, macroDepth int) error {
	if n == nil {
		return nil
	}
	n = resolve(n)
	if n.Kind != yaml.MappingNode {
		return nil
	}

	keys := mappingKeys(n)
	_, hasType := keys["type"]
	_, hasAddress := keys["address"]
	_, hasPreprocessor := keys["preprocessor"]

	if hasType && (base != nil || hasAddress || hasPreprocessor) {
		return w.field(keys, path, base, macroDepth)
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		segment := n.Content[i].Value
		if strings.Trim(segment, "_") == "" {
			segment = ""
		}
		child := resolve(n.Content[i+1])

		switch child.Kind {
		case yaml.MappingNode:
			if err := w.walk(child, joinPath(path, segment), base, macroDepth); err != nil {
				return err
			}
		case yaml.SequenceNode:
			for idx, item := range child.Content {
				itemPath := joinPath(path, segment, strconv.Itoa(idx))
				if err := w.walk(item, itemPath, base, macroDepth); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (w *walker) field(keys map[string]*yaml.Node, path string, base *uint32, macroDepth int) error {
	if path == "" {
		return fieldError(path, fmt.Errorf("field has no path"))
	}

	typeName := scalar(keys["type"])

	address, err := fieldAddress(keys, base)
	if err != nil {
		return fieldError(path, err)
	}

	if typeName == macroTypeName {
		name := scalar(keys["macro"])
		if name == "" {
			return fieldError(path, fmt.Errorf("missing required field: macro"))
		}
		body, ok := w.macros[name]
		if !ok {
			return fieldError(path, fmt.Errorf("unknown macro %q", name))
		}
		if address == nil {
			return fieldError(path, fmt.Errorf("missing required field: address"))
		}
		if macroDepth >= maxMacroDepth {
			return fieldError(path, fmt.Errorf("macro %q nests deeper than %d levels", name, maxMacroDepth))
		}
		return w.walk(body, path, address, macroDepth+1)
	}

	typ, err := codec.ParseType(path, typeName)
	if err != nil {
		return invalid("parse field", err)
	}

	spec := FieldSpec{
		Path:         path,
		Type:         typ,
		Address:      address,
		Size:         1,
		Reference:    scalar(keys["reference"]),
		Preprocessor: scalar(keys["preprocessor"]),
		Description:  scalar(keys["description"]),
	}

	if s := scalar(keys["size"]); s != "" {
		size, err := parseNumber(s, false)
		if err != nil || size == 0 {
			return fieldError(path, fmt.Errorf("invalid size %q", s))
		}
		spec.Size = int(size)
	}

	if s := scalar(keys["position"]); s != "" {
		pos, err := parseNumber(s, false)
		if err != nil {
			return fieldError(path, fmt.Errorf("invalid position %q", s))
		}
		p := int(pos)
		spec.Position = &p
	}

	if spec.Preprocessor != "" {
		if _, err := preprocessor.ParseExpression(spec.Preprocessor); err != nil {
			return fieldError(path, err)
		}
		// the expression determines the address
		spec.Address = nil
	} else if spec.Address == nil {
		return fieldError(path, fmt.Errorf("missing required field: address"))
	}

	if typ == codec.Bit && spec.Position == nil {
		return fieldError(path, fmt.Errorf("bit fields require a position"))
	}
	if typ == codec.Reference && spec.Reference == "" {
		return fieldError(path, fmt.Errorf("reference fields require a reference glossary"))
	}

	if _, dup := w.seen[path]; dup {
		return fieldError(path, fmt.Errorf("duplicate field path"))
	}
	w.seen[path] = struct{}{}
	w.fields = append(w.fields, spec)
	return nil
}

// fieldAddress returns the macro-relative address when inside a macro, the
// absolute address otherwise, or nil when neither is given.
func fieldAddress(keys map[string]*yaml.Node, base *uint32) (*uint32, error) {
	if base != nil {
		s := scalar(keys["offset"])
		if s == "" {
			return nil, fmt.Errorf("missing required field: offset")
		}
		off, err := parseNumber(s, false)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q", s)
		}
		addr := *base + uint32(off)
		return &addr, nil
	}

	s := scalar(keys["address"])
	if s == "" {
		return nil, nil
	}
	addr, err := parseNumber(s, true)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	a := uint32(addr)
	return &a, nil
}

func fieldError(path string, err error) error {
	return invalid("parse field", fmt.Errorf("property %q: %w", path, err))
}

// parseNumber parses a 32-bit unsigned number. A 0x prefix always means hex;
// otherwise hexDefault selects the base. Addresses are written in hex with or
// without the prefix.
func parseNumber(s string, hexDefault bool) (uint32, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	base := 10
	switch {
	case strings.HasPrefix(s, "0x"):
		s, base = s[2:], 16
	case hexDefault:
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 32)
	return uint32(v), err
}

func joinPath(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func mappingKeys(n *yaml.Node) map[string]*yaml.Node {
	n = resolve(n)
	out := make(map[string]*yaml.Node)
	if n == nil || n.Kind != yaml.MappingNode {
		return out
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		out[n.Content[i].Value] = resolve(n.Content[i+1])
	}
	return out
}

func scalar(n *yaml.Node) string {
	n = resolve(n)
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return ""
	}
	return n.Value
}
