package codec

import "fmt"

// DefaultCharacterMap is the glossary string fields use when none is named
const DefaultCharacterMap = "defaultCharacterMap"

// GlossaryEntry maps one raw key to a human-meaningful value
type GlossaryEntry struct {
	Key   uint32 `json:"key" yaml:"key"`
	Value any    `json:"value" yaml:"value"`
}

// Glossary is an ordered lookup table. Lookups return the first match.
type Glossary []GlossaryEntry

// Lookup returns the value stored for key
func (g Glossary) Lookup(key uint32) (any, bool) {
	for _, e := range g {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// KeyOf returns the key of the first entry whose value prints the same as v
func (g Glossary) KeyOf(v any) (uint32, bool) {
	want := fmt.Sprint(v)
	for _, e := range g {
		if e.Value != nil && fmt.Sprint(e.Value) == want {
			return e.Key, true
		}
	}
	return 0, false
}
