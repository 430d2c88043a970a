package mapper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/memhook/codec"
	"github.com/c360/memhook/errors"
)

const redMapper = `
meta:
  schemaVersion: 1
  id: 9c2fa0d6-5b0b-4a4a-8a2f-2d0e2b7b0c11
  gameName: Pokemon Red
  gamePlatform: GB

macros:
  partyPokemon:
    species: {type: reference, offset: 0, reference: pokemon}
    level: {type: uint, offset: 0x21}
    hp:
      current: {type: uint, offset: 1, size: 2}

properties:
  player:
    name: {type: string, address: D158, size: 11}
    money: {type: binaryCodedDecimal, address: 0xD347, size: 3}
    badges:
      boulder: {type: bit, address: D356, position: 0}
  party:
    - {type: macro, macro: partyPokemon, address: D16B}
    - {type: macro, macro: partyPokemon, address: D197}
  ____:
    frameCounter: {type: uint, address: FFB0, description: High RAM counter}

glossary:
  defaultCharacterMap:
    0x80: A
    0x81: B
    0x50: null
  pokemon:
    1: RHYDON
    0x99: BULBASAUR
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(redMapper))
	require.NoError(t, err)

	assert.Equal(t, 1, m.Meta.SchemaVersion)
	assert.Equal(t, uuid.MustParse("9c2fa0d6-5b0b-4a4a-8a2f-2d0e2b7b0c11"), m.Meta.ID)
	assert.Equal(t, "Pokemon Red", m.Meta.GameName)
	assert.Equal(t, "GB", m.Meta.Platform)

	paths := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{
		"player.name",
		"player.money",
		"player.badges.boulder",
		"party.0.species",
		"party.0.level",
		"party.0.hp.current",
		"party.1.species",
		"party.1.level",
		"party.1.hp.current",
		"frameCounter",
	}, paths)

	name, ok := m.Field("player.name")
	require.True(t, ok)
	assert.Equal(t, codec.String, name.Type)
	assert.Equal(t, uint32(0xD158), *name.Address)
	assert.Equal(t, 11, name.Size)
	assert.Equal(t, codec.DefaultCharacterMap, name.GlossaryName())

	boulder, _ := m.Field("player.badges.boulder")
	require.NotNil(t, boulder.Position)
	assert.Equal(t, 0, *boulder.Position)

	level, _ := m.Field("party.1.level")
	assert.Equal(t, uint32(0xD197+0x21), *level.Address)
	assert.Equal(t, 1, level.Size)

	hp, _ := m.Field("party.0.hp.current")
	assert.Equal(t, uint32(0xD16C), *hp.Address)
	assert.Equal(t, 2, hp.Size)

	counter, _ := m.Field("frameCounter")
	assert.Equal(t, uint32(0xFFB0), *counter.Address)
	assert.Equal(t, "High RAM counter", counter.Description)

	_, ok = m.Field("party.2.level")
	assert.False(t, ok)
}

func TestParse_Glossary(t *testing.T) {
	m, err := Parse([]byte(redMapper))
	require.NoError(t, err)

	chars, ok := m.GlossaryFor(codec.DefaultCharacterMap)
	require.True(t, ok)
	assert.Equal(t, Glossary{
		{Key: 0x80, Value: "A"},
		{Key: 0x81, Value: "B"},
		{Key: 0x50, Value: nil},
	}, chars)

	pokemon, _ := m.GlossaryFor("pokemon")
	v, ok := pokemon.Lookup(0x99)
	require.True(t, ok)
	assert.Equal(t, "BULBASAUR", v)
	v, ok = pokemon.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "RHYDON", v)
}

func TestParse_PreprocessorField(t *testing.T) {
	doc := `
meta: {id: 0f8e7a4c-1d2b-4c3d-9e8f-7a6b5c4d3e2f, gamePlatform: GBA}
properties:
  party:
    species:
      type: uint
      size: 2
      preprocessor: data_block_a245dcac(2024284, 0, 0)
`
	m, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, m.Fields, 1)
	assert.Nil(t, m.Fields[0].Address)
	assert.Equal(t, "data_block_a245dcac(2024284, 0, 0)", m.Fields[0].Preprocessor)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		is   error
	}{
		{
			name: "missing id",
			doc:  "meta: {gamePlatform: GB}\nproperties: {}\n",
			is:   errors.ErrSchemaValidation,
		},
		{
			name: "nil id",
			doc:  "meta: {id: 00000000-0000-0000-0000-000000000000, gamePlatform: GB}\nproperties: {}\n",
			is:   errors.ErrSchemaValidation,
		},
		{
			name: "missing properties",
			doc:  "meta: {id: 0f8e7a4c-1d2b-4c3d-9e8f-7a6b5c4d3e2f, gamePlatform: GB}\n",
			is:   errors.ErrSchemaValidation,
		},
		{
			name: "unknown type",
			doc:  "meta: {id: 0f8e7a4c-1d2b-4c3d-9e8f-7a6b5c4d3e2f, gamePlatform: GB}\nproperties:\n  x: {type: float, address: C000}\n",
			is:   errors.ErrUnknownFieldType,
		},
		{
			name: "unknown macro",
			doc:  "meta: {id: 0f8e7a4c-1d2b-4c3d-9e8f-7a6b5c4d3e2f, gamePlatform: GB}\nproperties:\n  x: {type: macro, macro: nope, address: C000}\n",
			is:   errors.ErrSchemaValidation,
		},
		{
			name: "macro child without offset",
			doc:  "meta: {id: 0f8e7a4c-1d2b-4c3d-9e8f-7a6b5c4d3e2f, gamePlatform: GB}\nmacros:\n  m:\n    a: {type: uint}\nproperties:\n  x: {type: macro, macro: m, address: C000}\n",
			is:   errors.ErrSchemaValidation,
		},
		{
			name: "bit without position",
			doc:  "meta: {id: 0f8e7a4c-1d2b-4c3d-9e8f-7a6b5c4d3e2f, gamePlatform: GB}\nproperties:\n  x: {type: bit, address: C000}\n",
			is:   errors.ErrSchemaValidation,
		},
		{
			name: "reference to missing glossary",
			doc:  "meta: {id: 0f8e7a4c-1d2b-4c3d-9e8f-7a6b5c4d3e2f, gamePlatform: GB}\nproperties:\n  x: {type: reference, address: C000, reference: items}\n",
			is:   errors.ErrSchemaValidation,
		},
		{
			name: "bad preprocessor",
			doc:  "meta: {id: 0f8e7a4c-1d2b-4c3d-9e8f-7a6b5c4d3e2f, gamePlatform: GBA}\nproperties:\n  x: {type: uint, preprocessor: \"data_block_a245dcac(1, 9, 0)\"}\n",
			is:   errors.ErrParsingFailed,
		},
		{
			name: "not yaml",
			doc:  "meta: [unclosed",
			is:   errors.ErrSchemaValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestParse_RecursiveMacroIsBounded(t *testing.T) {
	doc := `
meta: {id: 0f8e7a4c-1d2b-4c3d-9e8f-7a6b5c4d3e2f, gamePlatform: GB}
macros:
  loop:
    again: {type: macro, macro: loop, offset: 1}
properties:
  x: {type: macro, macro: loop, address: C000}
`
	_, err := Parse([]byte(doc))
	assert.ErrorIs(t, err, errors.ErrSchemaValidation)
}

func TestFileLoader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pokemon_red.yml"), []byte(redMapper), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("meta: {}\n"), 0o600))

	loader := NewFileLoader(dir, nil)

	ids, err := loader.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"broken", "pokemon_red"}, ids)

	m, err := loader.Load(context.Background(), "pokemon_red")
	require.NoError(t, err)
	assert.Equal(t, "Pokemon Red", m.Meta.GameName)

	_, err = loader.Load(context.Background(), "broken")
	assert.ErrorIs(t, err, errors.ErrSchemaValidation)

	for _, id := range []string{"", "missing", "../pokemon_red", "sub/pokemon_red"} {
		_, err = loader.Load(context.Background(), id)
		assert.ErrorIs(t, err, errors.ErrSchemaNotFound, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loader.Load(ctx, "pokemon_red")
	assert.ErrorIs(t, err, context.Canceled)
}
