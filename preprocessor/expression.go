package preprocessor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/memhook/errors"
)

// DataBlockFunc is the function name used in mapper preprocessor expressions
const DataBlockFunc = "data_block_a245dcac"

// Expression is a parsed data_block_a245dcac(base, structureIndex, fieldOffset)
type Expression struct {
	Base           uint32
	StructureIndex int
	FieldOffset    int
}

// ParseExpression parses a preprocessor expression. The base is hexadecimal
// with or without a 0x prefix; index and offset are decimal.
func ParseExpression(s string) (Expression, error) {
	fail := func(reason string) (Expression, error) {
		return Expression{}, errors.WrapInvalid(
			fmt.Errorf("%w: %q: %s", errors.ErrParsingFailed, s, reason),
			"Preprocessor", "ParseExpression", "parse expression")
	}

	expr := strings.TrimSpace(s)
	if !strings.HasPrefix(expr, DataBlockFunc+"(") || !strings.HasSuffix(expr, ")") {
		return fail("expected " + DataBlockFunc + "(base, structureIndex, fieldOffset)")
	}

	args := strings.Split(expr[len(DataBlockFunc)+1:len(expr)-1], ",")
	if len(args) != 3 {
		return fail(fmt.Sprintf("expected 3 arguments, got %d", len(args)))
	}

	baseStr := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(args[0])), "0x")
	base, err := strconv.ParseUint(baseStr, 16, 32)
	if err != nil {
		return fail("invalid base address")
	}

	index, err := strconv.Atoi(strings.TrimSpace(args[1]))
	if err != nil || index < 0 || index >= Substructures {
		return fail("structure index must be 0..3")
	}

	offset, err := strconv.Atoi(strings.TrimSpace(args[2]))
	if err != nil || offset < 0 {
		return fail("field offset must be a non-negative integer")
	}

	return Expression{Base: uint32(base), StructureIndex: index, FieldOffset: offset}, nil
}

func (e Expression) String() string {
	return fmt.Sprintf("%s(0x%X, %d, %d)", DataBlockFunc, e.Base, e.StructureIndex, e.FieldOffset)
}

// Offset returns the byte offset of the field inside the decrypted payload
func (e Expression) Offset(block DataBlock) int {
	return (block.Order[e.StructureIndex]-1)*SubstructureSize + e.FieldOffset
}

// Resolve slices size bytes for the named field out of a decrypted block and
// returns them with the field's address in emulator memory.
func (e Expression) Resolve(field string, block DataBlock, size int) (uint32, []byte, error) {
	offset := e.Offset(block)
	address := block.Base + HeaderSize + uint32(offset)

	if size <= 0 || offset+size > PayloadSize {
		return 0, nil, &errors.AddressOutOfRangeError{Field: field, Address: address}
	}

	out := make([]byte, size)
	copy(out, block.Decrypted[offset:offset+size])
	return address, out, nil
}
