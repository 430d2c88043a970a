package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/memhook/errors"
)

func TestLookup_Endianness(t *testing.T) {
	tests := []struct {
		id   string
		want Endianness
	}{
		{"NES", BigEndian},
		{"GB", BigEndian},
		{"SNES", LittleEndian},
		{"GBA", LittleEndian},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			opts, err := Lookup(tt.id)
			require.NoError(t, err)
			assert.Equal(t, ID(tt.id), opts.ID)
			assert.Equal(t, tt.want, opts.Endianness)
			assert.NotEmpty(t, opts.Ranges)
		})
	}
}

func TestLookup_GBRanges(t *testing.T) {
	opts, err := Lookup("GB")
	require.NoError(t, err)

	names := make([]string, 0, len(opts.Ranges))
	for _, r := range opts.Ranges {
		assert.LessOrEqual(t, r.Start, r.End)
		names = append(names, r.Name)
	}

	assert.Equal(t, []string{
		"ROM Bank 00",
		"ROM Bank 01",
		"VRAM",
		"External RAM (Part 1)",
		"External RAM (Part 2)",
		"Work RAM (Part 1)",
		"Work RAM (Part 2)",
		"High RAM",
	}, names)

	block, ok := opts.BlockFor(0xFF80)
	require.True(t, ok)
	assert.Equal(t, "High RAM", block.Name)
	assert.Equal(t, 128, block.Len())

	_, ok = opts.BlockFor(0xE000)
	assert.False(t, ok, "echo RAM is not mapped")
}

func TestLookup_Unknown(t *testing.T) {
	_, err := Lookup("N64")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownPlatform)

	var upe *errors.UnknownPlatformError
	require.ErrorAs(t, err, &upe)
	assert.Equal(t, "N64", upe.Value)
}

func TestLookup_ReturnsCopy(t *testing.T) {
	opts, err := Lookup("GB")
	require.NoError(t, err)
	opts.Ranges[0].Name = "mutated"

	again, err := Lookup("GB")
	require.NoError(t, err)
	assert.Equal(t, "ROM Bank 00", again.Ranges[0].Name)
}

func TestMemoryAddressBlock_ContainsInclusive(t *testing.T) {
	b := MemoryAddressBlock{Name: "Work RAM (Part 2)", Start: 0xD000, End: 0xDFFF}

	assert.True(t, b.Contains(0xD000))
	assert.True(t, b.Contains(0xDFFF))
	assert.False(t, b.Contains(0xCFFF))
	assert.False(t, b.Contains(0xE000))
	assert.Equal(t, "Work RAM (Part 2) [0xD000-0xDFFF]", b.String())
}
