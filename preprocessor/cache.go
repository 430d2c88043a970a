package preprocessor

import (
	"fmt"

	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/platform"
)

type entry struct {
	block DataBlock
	err   error
}

// Cache holds the data blocks decrypted for one poll. It is built before any
// field decodes and is read-only afterwards, so concurrent Get calls are safe.
type Cache struct {
	entries map[uint32]entry
}

// BuildCache decrypts the structure at each base address from the blocks read
// this poll. data is keyed by block name. A base that cannot be decrypted is
// stored with its error so only the fields depending on it fail.
func BuildCache(bases []uint32, ranges []platform.MemoryAddressBlock, data map[string][]byte) *Cache {
	c := &Cache{entries: make(map[uint32]entry, len(bases))}

	for _, base := range bases {
		if _, seen := c.entries[base]; seen {
			continue
		}
		block, err := decryptFrom(base, ranges, data)
		c.entries[base] = entry{block: block, err: err}
	}

	return c
}

func decryptFrom(base uint32, ranges []platform.MemoryAddressBlock, data map[string][]byte) (DataBlock, error) {
	outOfRange := &errors.AddressOutOfRangeError{Field: fmt.Sprintf("data block 0x%X", base), Address: base}

	for _, r := range ranges {
		if !r.Contains(base) {
			continue
		}
		buf, ok := data[r.Name]
		if !ok {
			continue
		}
		start := int(base - r.Start)
		if start+StructureSize > len(buf) {
			return DataBlock{}, outOfRange
		}
		return Decrypt(base, buf[start:start+StructureSize])
	}

	return DataBlock{}, outOfRange
}

// Get returns the decrypted block for base
func (c *Cache) Get(base uint32) (DataBlock, error) {
	if c == nil {
		return DataBlock{}, &errors.AddressOutOfRangeError{Field: fmt.Sprintf("data block 0x%X", base), Address: base}
	}
	e, ok := c.entries[base]
	if !ok {
		return DataBlock{}, &errors.AddressOutOfRangeError{Field: fmt.Sprintf("data block 0x%X", base), Address: base}
	}
	return e.block, e.err
}

// Len returns the number of base addresses in the cache
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}
