// Package codec converts between raw emulator bytes and decoded field values.
//
// Every field type has a decoder; int, uint, bool, bit, binaryCodedDecimal
// and reference also have encoders. Multi-byte values follow the platform's
// byte order except for string and binaryCodedDecimal, which are always read
// in memory order.
package codec

import (
	"fmt"
	"strings"

	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/platform"
)

// Type is the closed set of field types a mapper may declare
type Type string

// Field types
const (
	Int                Type = "int"
	Uint               Type = "uint"
	Bool               Type = "bool"
	Bit                Type = "bit"
	BitArray           Type = "bitArray"
	BinaryCodedDecimal Type = "binaryCodedDecimal"
	String             Type = "string"
	Reference          Type = "reference"
)

// ParseType validates a mapper type string for the named field
func ParseType(field, s string) (Type, error) {
	t := Type(s)
	switch t {
	case Int, Uint, Bool, Bit, BitArray, BinaryCodedDecimal, String, Reference:
		return t, nil
	default:
		return "", &errors.UnknownFieldTypeError{Field: field, Type: s}
	}
}

// UsesPlatformOrder reports whether raw bytes are reordered by platform
// endianness before decode
func (t Type) UsesPlatformOrder() bool {
	return t != String && t != BinaryCodedDecimal
}

// CanEncode reports whether values of this type can be written back
func (t Type) CanEncode() bool {
	switch t {
	case Int, Uint, Bool, Bit, BinaryCodedDecimal, Reference:
		return true
	default:
		return false
	}
}

// Context carries everything a codec needs besides the bytes themselves
type Context struct {
	Field      string
	Type       Type
	Endianness platform.Endianness
	Position   *int
	Glossary   Glossary
}

func (c Context) fail(action string, format string, args ...any) error {
	cause := fmt.Errorf("field %q: "+format, append([]any{c.Field}, args...)...)
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidData, cause), "Codec", action,
		fmt.Sprintf("%s %s", action, c.Type))
}

// Decode converts raw bytes into a value. Result types: int64 for int,
// uint64 for uint, bool for bool and bit, []bool for bitArray, int for
// binaryCodedDecimal, string for string, and the glossary value (or nil)
// for reference.
func Decode(c Context, raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, c.fail("decode", "no bytes")
	}

	switch c.Type {
	case Int:
		u, err := c.integer(raw)
		if err != nil {
			return nil, err
		}
		shift := 64 - 8*len(raw)
		return int64(u<<shift) >> shift, nil

	case Uint:
		return c.integer(raw)

	case Bool:
		for _, b := range raw {
			if b != 0 {
				return true, nil
			}
		}
		return false, nil

	case Bit:
		u, err := c.integer(raw)
		if err != nil {
			return nil, err
		}
		pos, err := c.bitPosition(len(raw))
		if err != nil {
			return nil, err
		}
		return u&(1<<pos) != 0, nil

	case BitArray:
		u, err := c.integer(raw)
		if err != nil {
			return nil, err
		}
		out := make([]bool, 8*len(raw))
		for i := range out {
			out[i] = u&(1<<i) != 0
		}
		return out, nil

	case BinaryCodedDecimal:
		result := 0
		for _, b := range raw {
			hi, lo := int(b>>4), int(b&0x0F)
			if hi > 9 || lo > 9 {
				return nil, c.fail("decode", "byte 0x%02X is not a BCD digit pair", b)
			}
			result = result*100 + hi*10 + lo
		}
		return result, nil

	case String:
		if c.Glossary == nil {
			return nil, c.fail("decode", "no character map")
		}
		var sb strings.Builder
		for _, b := range raw {
			if v, ok := c.Glossary.Lookup(uint32(b)); ok && v != nil {
				sb.WriteString(fmt.Sprint(v))
			}
		}
		return sb.String(), nil

	case Reference:
		if c.Glossary == nil {
			return nil, c.fail("decode", "no glossary")
		}
		u, err := c.integer(raw)
		if err != nil {
			return nil, err
		}
		if u > uint64(^uint32(0)) {
			return nil, nil
		}
		v, _ := c.Glossary.Lookup(uint32(u))
		return v, nil

	default:
		return nil, &errors.UnknownFieldTypeError{Field: c.Field, Type: string(c.Type)}
	}
}

// Encode converts a value into size bytes in memory order. current holds the
// field's live bytes and is required for bit fields, which only change one
// bit of them.
func Encode(c Context, value any, size int, current []byte) ([]byte, error) {
	if size <= 0 || size > 8 {
		return nil, c.fail("encode", "size %d out of range", size)
	}

	switch c.Type {
	case Int:
		v, ok := toInt64(value)
		if !ok {
			return nil, c.fail("encode", "%v (%T) is not an integer", value, value)
		}
		if size < 8 {
			limit := int64(1) << (8*size - 1)
			if v < -limit || v >= limit {
				return nil, c.fail("encode", "%d does not fit in %d bytes", v, size)
			}
		}
		return c.fromInteger(uint64(v), size), nil

	case Uint:
		v, ok := toUint64(value)
		if !ok {
			return nil, c.fail("encode", "%v (%T) is not an unsigned integer", value, value)
		}
		if size < 8 && v >= uint64(1)<<(8*size) {
			return nil, c.fail("encode", "%d does not fit in %d bytes", v, size)
		}
		return c.fromInteger(v, size), nil

	case Bool:
		b, ok := value.(bool)
		if !ok {
			return nil, c.fail("encode", "%v (%T) is not a bool", value, value)
		}
		var u uint64
		if b {
			u = 1
		}
		return c.fromInteger(u, size), nil

	case Bit:
		b, ok := value.(bool)
		if !ok {
			return nil, c.fail("encode", "%v (%T) is not a bool", value, value)
		}
		if len(current) != size {
			return nil, c.fail("encode", "bit write needs the %d current bytes", size)
		}
		pos, err := c.bitPosition(size)
		if err != nil {
			return nil, err
		}
		u, err := c.integer(current)
		if err != nil {
			return nil, err
		}
		if b {
			u |= 1 << pos
		} else {
			u &^= 1 << pos
		}
		return c.fromInteger(u, size), nil

	case BinaryCodedDecimal:
		v, ok := toUint64(value)
		if !ok {
			return nil, c.fail("encode", "%v (%T) is not a non-negative integer", value, value)
		}
		out := make([]byte, size)
		for i := size - 1; i >= 0; i-- {
			d := v % 100
			out[i] = byte(d/10)<<4 | byte(d%10)
			v /= 100
		}
		if v != 0 {
			return nil, c.fail("encode", "%v has more than %d digits", value, 2*size)
		}
		return out, nil

	case Reference:
		key, ok := c.Glossary.KeyOf(value)
		if !ok {
			return nil, c.fail("encode", "%v is not in the glossary", value)
		}
		if size < 4 && uint64(key) >= uint64(1)<<(8*size) {
			return nil, c.fail("encode", "key %d does not fit in %d bytes", key, size)
		}
		return c.fromInteger(uint64(key), size), nil

	case String, BitArray:
		return nil, c.fail("encode", "type %s cannot be encoded", c.Type)

	default:
		return nil, &errors.UnknownFieldTypeError{Field: c.Field, Type: string(c.Type)}
	}
}

// integer reads raw as an unsigned integer in platform byte order
func (c Context) integer(raw []byte) (uint64, error) {
	if len(raw) > 8 {
		return 0, c.fail("decode", "%d bytes exceed 64 bits", len(raw))
	}
	var u uint64
	if c.Endianness == platform.BigEndian {
		for _, b := range raw {
			u = u<<8 | uint64(b)
		}
		return u, nil
	}
	for i := len(raw) - 1; i >= 0; i-- {
		u = u<<8 | uint64(raw[i])
	}
	return u, nil
}

// fromInteger writes the low size bytes of u in platform byte order
func (c Context) fromInteger(u uint64, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = byte(u >> (8 * i))
	}
	if c.Endianness == platform.BigEndian {
		for i, j := 0, size-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (c Context) bitPosition(size int) (uint, error) {
	if c.Position == nil {
		return 0, c.fail("decode", "bit field has no position")
	}
	pos := *c.Position
	if pos < 0 || pos >= 8*size {
		return 0, c.fail("decode", "bit position %d outside %d bytes", pos, size)
	}
	return uint(pos), nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, false
		}
		return uint64(n), true
	default:
		i, ok := toInt64(v)
		if !ok || i < 0 {
			return 0, false
		}
		return uint64(i), true
	}
}
