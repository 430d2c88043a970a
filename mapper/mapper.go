// Package mapper holds the per-game schema that tells an instance which
// memory to read and how to decode it, and loads it from YAML mapper files.
//
// A mapper file has four top-level sections:
//
//	meta:        schemaVersion, id (UUID), gameName, gamePlatform
//	properties:  a nested tree of fields, flattened into dotted paths
//	macros:      named field groups instantiated at an address
//	glossary:    named key/value tables used by string and reference fields
//
// A Mapper is immutable once loaded; reloading produces a new value.
package mapper

import (
	"context"

	"github.com/google/uuid"

	"github.com/c360/memhook/codec"
)

// Glossary is an ordered key/value table
type Glossary = codec.Glossary

// GlossaryEntry is one row of a Glossary
type GlossaryEntry = codec.GlossaryEntry

// Meta identifies a mapper and the platform it targets
type Meta struct {
	SchemaVersion int       `json:"schema_version"`
	ID            uuid.UUID `json:"id"`
	GameName      string    `json:"game_name"`
	Platform      string    `json:"game_platform"`
}

// FieldSpec describes one field. Address is nil for fields located through a
// preprocessor expression.
type FieldSpec struct {
	Path         string
	Type         codec.Type
	Address      *uint32
	Size         int
	Position     *int
	Reference    string
	Preprocessor string
	Description  string
}

// GlossaryName returns the glossary a field decodes through, or "" when it
// does not use one.
func (f FieldSpec) GlossaryName() string {
	switch {
	case f.Reference != "":
		return f.Reference
	case f.Type == codec.String:
		return codec.DefaultCharacterMap
	default:
		return ""
	}
}

// Mapper is a loaded schema
type Mapper struct {
	Meta     Meta
	Fields   []FieldSpec
	Glossary map[string]Glossary
}

// Field returns the spec for path
func (m *Mapper) Field(path string) (FieldSpec, bool) {
	for _, f := range m.Fields {
		if f.Path == path {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// GlossaryFor returns the named glossary
func (m *Mapper) GlossaryFor(name string) (Glossary, bool) {
	g, ok := m.Glossary[name]
	return g, ok
}

// Loader produces a Mapper for a schema id. Implementations fail with
// errors.ErrSchemaNotFound or errors.ErrSchemaValidation.
type Loader interface {
	Load(ctx context.Context, id string) (*Mapper, error)
}
