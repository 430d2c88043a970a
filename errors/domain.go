package errors

import (
	"errors"
	"fmt"
)

// Driver, field and schema error taxonomy. The typed errors below unwrap to
// these sentinels so callers can use errors.Is without knowing the payload.
var (
	ErrDriverTimeout            = errors.New("driver timeout")
	ErrDriverDisconnected       = errors.New("driver disconnected")
	ErrDriverProtocol           = errors.New("driver protocol error")
	ErrAddressOutOfRange        = errors.New("address out of range")
	ErrUnknownFieldType         = errors.New("unknown field type")
	ErrInvalidSubstructureOrder = errors.New("invalid substructure order")
	ErrReadOnlyField            = errors.New("read-only field")
	ErrUnknownPlatform          = errors.New("unknown platform")
	ErrSchemaNotFound           = errors.New("schema not found")
	ErrSchemaValidation         = errors.New("schema validation failed")
	ErrPropertyNotFound         = errors.New("property not found")
)

// DriverTimeoutError reports a read that received no correlated response in time.
type DriverTimeoutError struct {
	Address uint32
	Driver  string
}

func (e *DriverTimeoutError) Error() string {
	if e.Driver == "" {
		return fmt.Sprintf("driver timeout reading 0x%X", e.Address)
	}
	return fmt.Sprintf("%s: driver timeout reading 0x%X", e.Driver, e.Address)
}

func (e *DriverTimeoutError) Unwrap() error { return ErrDriverTimeout }

// AddressOutOfRangeError reports a field whose bytes are not covered by any
// block that was read.
type AddressOutOfRangeError struct {
	Field   string
	Address uint32
}

func (e *AddressOutOfRangeError) Error() string {
	return fmt.Sprintf("field %q: address 0x%X is outside the configured memory ranges", e.Field, e.Address)
}

func (e *AddressOutOfRangeError) Unwrap() error { return ErrAddressOutOfRange }

// UnknownFieldTypeError reports a field type outside the supported set.
type UnknownFieldTypeError struct {
	Field string
	Type  string
}

func (e *UnknownFieldTypeError) Error() string {
	return fmt.Sprintf("field %q: unknown type %q", e.Field, e.Type)
}

func (e *UnknownFieldTypeError) Unwrap() error { return ErrUnknownFieldType }

// InvalidSubstructureOrderError reports a substructure selector outside 0..23.
type InvalidSubstructureOrderError struct {
	Value uint32
}

func (e *InvalidSubstructureOrderError) Error() string {
	return fmt.Sprintf("substructure order %d has no permutation", e.Value)
}

func (e *InvalidSubstructureOrderError) Unwrap() error { return ErrInvalidSubstructureOrder }

// ReadOnlyFieldError reports a write to a field without a resolved address.
type ReadOnlyFieldError struct {
	Field string
}

func (e *ReadOnlyFieldError) Error() string {
	return fmt.Sprintf("field %q is read-only and cannot be modified", e.Field)
}

func (e *ReadOnlyFieldError) Unwrap() error { return ErrReadOnlyField }

// UnknownPlatformError reports a mapper platform with no options table.
type UnknownPlatformError struct {
	Value string
}

func (e *UnknownPlatformError) Error() string {
	return fmt.Sprintf("unknown game platform %q", e.Value)
}

func (e *UnknownPlatformError) Unwrap() error { return ErrUnknownPlatform }

// Kind is the severity-ranked classification of the worst error seen during a
// poll iteration. Higher values are more severe.
type Kind int

const (
	KindOK Kind = iota
	KindFieldDecodeFailure
	KindDriverDisconnected
	KindDriverTimeout
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindFieldDecodeFailure:
		return "field_decode_failure"
	case KindDriverDisconnected:
		return "driver_disconnected"
	case KindDriverTimeout:
		return "driver_timeout"
	default:
		return "unknown"
	}
}

// KindOf maps an error onto the poll severity ranking. Driver protocol errors
// rank with disconnects since both mean no usable data came back.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrDriverTimeout):
		return KindDriverTimeout
	case errors.Is(err, ErrDriverDisconnected), errors.Is(err, ErrDriverProtocol):
		return KindDriverDisconnected
	default:
		return KindFieldDecodeFailure
	}
}

// Worse returns the more severe of two kinds.
func (k Kind) Worse(other Kind) Kind {
	if other > k {
		return other
	}
	return k
}
