// Package platform describes the emulated consoles memhook can read: their
// byte order and the named memory windows a driver may request.
package platform

import (
	"fmt"

	"github.com/c360/memhook/errors"
)

// Endianness is the byte order of multi-byte integers in emulator memory
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// String returns the string representation of Endianness
func (e Endianness) String() string {
	if e == BigEndian {
		return "big"
	}
	return "little"
}

// ID identifies a supported platform as written in a mapper's meta block
type ID string

// Supported platforms
const (
	NES  ID = "NES"
	SNES ID = "SNES"
	GB   ID = "GB"
	GBA  ID = "GBA"
)

// MemoryAddressBlock is a named contiguous window of emulator memory that a
// driver reads as a unit. Both ends are inclusive.
type MemoryAddressBlock struct {
	Name  string `json:"name"`
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Contains reports whether addr lies within the block
func (b MemoryAddressBlock) Contains(addr uint32) bool {
	return addr >= b.Start && addr <= b.End
}

// Len returns the number of bytes covered by the block
func (b MemoryAddressBlock) Len() int {
	return int(b.End-b.Start) + 1
}

func (b MemoryAddressBlock) String() string {
	return fmt.Sprintf("%s [0x%X-0x%X]", b.Name, b.Start, b.End)
}

// Options is the fixed description of one platform
type Options struct {
	ID         ID                   `json:"id"`
	Endianness Endianness           `json:"endianness"`
	Ranges     []MemoryAddressBlock `json:"ranges"`
}

// BlockFor returns the first range containing addr
func (o Options) BlockFor(addr uint32) (MemoryAddressBlock, bool) {
	for _, r := range o.Ranges {
		if r.Contains(addr) {
			return r, true
		}
	}
	return MemoryAddressBlock{}, false
}

// Lookup returns the options for a platform identifier. The returned Ranges
// slice is a copy and may be modified by the caller.
func Lookup(id string) (Options, error) {
	var opts Options
	switch ID(id) {
	case NES:
		opts = Options{ID: NES, Endianness: BigEndian, Ranges: nesRanges}
	case SNES:
		opts = Options{ID: SNES, Endianness: LittleEndian, Ranges: snesRanges}
	case GB:
		opts = Options{ID: GB, Endianness: BigEndian, Ranges: gbRanges}
	case GBA:
		opts = Options{ID: GBA, Endianness: LittleEndian, Ranges: gbaRanges}
	default:
		return Options{}, &errors.UnknownPlatformError{Value: id}
	}

	ranges := make([]MemoryAddressBlock, len(opts.Ranges))
	copy(ranges, opts.Ranges)
	opts.Ranges = ranges
	return opts, nil
}

// IDs lists the supported platforms
func IDs() []ID {
	return []ID{NES, SNES, GB, GBA}
}

var (
	// 2kB internal RAM, mirrored four times on hardware
	nesRanges = []MemoryAddressBlock{
		{Name: "Internal RAM", Start: 0x0000, End: 0x0400},
	}

	snesRanges = []MemoryAddressBlock{
		{Name: "Work RAM (Partial)", Start: 0x7E6D00, End: 0x7E7FFF},
	}

	gbRanges = []MemoryAddressBlock{
		{Name: "ROM Bank 00", Start: 0x0000, End: 0x3FFF},
		{Name: "ROM Bank 01", Start: 0x4000, End: 0x7FFF},
		{Name: "VRAM", Start: 0x8000, End: 0x9FFF},
		{Name: "External RAM (Part 1)", Start: 0xA000, End: 0xAFFF},
		{Name: "External RAM (Part 2)", Start: 0xB000, End: 0xBFFF},
		{Name: "Work RAM (Part 1)", Start: 0xC000, End: 0xCFFF},
		{Name: "Work RAM (Part 2)", Start: 0xD000, End: 0xDFFF},
		{Name: "High RAM", Start: 0xFF80, End: 0xFFFF},
	}

	gbaRanges = []MemoryAddressBlock{
		{Name: "Partial EWRAM", Start: 0x02024280, End: 0x02024280 + 9999},
	}
)
