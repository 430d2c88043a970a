package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/memhook/codec"
	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/mapper"
)

// Addr returns a pointer to addr for FieldSpec literals
func Addr(addr uint32) *uint32 {
	return &addr
}

// Pos returns a pointer to pos for FieldSpec literals
func Pos(pos int) *int {
	return &pos
}

// Field builds a static-address field spec
func Field(path string, typ codec.Type, addr uint32, size int) mapper.FieldSpec {
	return mapper.FieldSpec{Path: path, Type: typ, Address: Addr(addr), Size: size}
}

// NewMapper builds a mapper for platform with a fresh id
func NewMapper(platform string, fields ...mapper.FieldSpec) *mapper.Mapper {
	return &mapper.Mapper{
		Meta: mapper.Meta{
			SchemaVersion: 1,
			ID:            uuid.New(),
			GameName:      "Test Game",
			Platform:      platform,
		},
		Fields:   fields,
		Glossary: make(map[string]mapper.Glossary),
	}
}

// StaticLoader serves mappers from memory by id
type StaticLoader struct {
	mu      sync.Mutex
	mappers map[string]*mapper.Mapper
	loads   int
}

var _ mapper.Loader = (*StaticLoader)(nil)

// NewStaticLoader creates an empty loader
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{mappers: make(map[string]*mapper.Mapper)}
}

// Add registers m under id
func (l *StaticLoader) Add(id string, m *mapper.Mapper) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mappers[id] = m
}

// Load returns the mapper registered under id
func (l *StaticLoader) Load(ctx context.Context, id string) (*mapper.Mapper, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++

	m, ok := l.mappers[id]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrSchemaNotFound, id), "StaticLoader", "Load", "lookup")
	}
	return m, nil
}

// Loads returns the number of Load calls
func (l *StaticLoader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}
