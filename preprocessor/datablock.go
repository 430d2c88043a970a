// Package preprocessor decrypts the 48-byte data blocks that some fields are
// stored inside, and resolves those fields' bytes once per poll.
package preprocessor

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/memhook/errors"
)

// Data block layout
const (
	StructureSize    = 48
	HeaderSize       = 16
	PayloadSize      = 32
	SubstructureSize = 12
	Substructures    = 4
)

// orders holds, for each substructure selector (personality mod 24), the
// 1-based slot of substructures G, A, E and M inside the decrypted payload.
var orders = [24][Substructures]int{
	{1, 2, 3, 4}, // GAEM
	{1, 2, 4, 3}, // GAME
	{1, 3, 2, 4}, // GEAM
	{1, 4, 2, 3}, // GEMA
	{1, 3, 4, 2}, // GMAE
	{1, 4, 3, 2}, // GMEA
	{2, 1, 3, 4}, // AGEM
	{2, 1, 4, 3}, // AGME
	{3, 1, 2, 4}, // AEGM
	{4, 1, 2, 3}, // AEMG
	{3, 1, 4, 2}, // AMGE
	{4, 1, 3, 2}, // AMEG
	{2, 3, 1, 4}, // EGAM
	{2, 4, 1, 3}, // EGMA
	{3, 2, 1, 4}, // EAGM
	{4, 2, 1, 3}, // EAMG
	{3, 4, 1, 2}, // EMGA
	{4, 3, 1, 2}, // EMAG
	{2, 3, 4, 1}, // MGAE
	{2, 4, 3, 1}, // MGEA
	{3, 2, 4, 1}, // MAGE
	{4, 2, 3, 1}, // MAEG
	{3, 4, 2, 1}, // MEGA
	{4, 3, 2, 1}, // MEAG
}

// SubstructureOrder returns the permutation for a selector in 0..23
func SubstructureOrder(selector uint32) ([Substructures]int, error) {
	if selector >= uint32(len(orders)) {
		return [Substructures]int{}, &errors.InvalidSubstructureOrderError{Value: selector}
	}
	return orders[selector], nil
}

// DataBlock is one decrypted structure
type DataBlock struct {
	Base        uint32
	Personality uint32
	OwnerID     uint32
	Decrypted   [PayloadSize]byte
	Order       [Substructures]int
}

// Decrypt decodes the structure starting at raw[0]. raw must hold at least
// StructureSize bytes.
func Decrypt(base uint32, raw []byte) (DataBlock, error) {
	if len(raw) < StructureSize {
		return DataBlock{}, errors.WrapInvalid(
			&errors.AddressOutOfRangeError{Field: fmt.Sprintf("data block 0x%X", base), Address: base},
			"Preprocessor", "Decrypt", fmt.Sprintf("need %d bytes, have %d", StructureSize, len(raw)))
	}

	personality := binary.LittleEndian.Uint32(raw[0:4])
	owner := binary.LittleEndian.Uint32(raw[4:8])

	order, err := SubstructureOrder(personality % uint32(len(orders)))
	if err != nil {
		return DataBlock{}, errors.WrapFatal(err, "Preprocessor", "Decrypt", "select substructure order")
	}

	block := DataBlock{
		Base:        base,
		Personality: personality,
		OwnerID:     owner,
		Order:       order,
	}

	key := owner ^ personality
	payload := raw[HeaderSize:StructureSize]
	for i := 0; i < PayloadSize; i += 4 {
		word := binary.LittleEndian.Uint32(payload[i:i+4]) ^ key
		binary.LittleEndian.PutUint32(block.Decrypted[i:i+4], word)
	}

	return block, nil
}

// Encrypt is the inverse of Decrypt for the payload; it returns the 48-byte
// structure for a personality, owner id and plaintext payload.
func Encrypt(personality, owner uint32, plain [PayloadSize]byte) []byte {
	out := make([]byte, StructureSize)
	binary.LittleEndian.PutUint32(out[0:4], personality)
	binary.LittleEndian.PutUint32(out[4:8], owner)

	key := owner ^ personality
	for i := 0; i < PayloadSize; i += 4 {
		word := binary.LittleEndian.Uint32(plain[i:i+4]) ^ key
		binary.LittleEndian.PutUint32(out[HeaderSize+i:HeaderSize+i+4], word)
	}
	return out
}

// Seal encrypts plain as it is stored at offset inside the payload. Each byte
// is XORed with the key byte for its position in the 32-bit word, so a partial
// word needs no read-modify-write.
func (b DataBlock) Seal(offset int, plain []byte) []byte {
	key := b.OwnerID ^ b.Personality
	out := make([]byte, len(plain))
	for i, v := range plain {
		out[i] = v ^ byte(key>>(8*uint((offset+i)%4)))
	}
	return out
}
