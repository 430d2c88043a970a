package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(999).String())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"unrecognized", fmt.Errorf("socket closed"), ErrorTransient},
		{"driver timeout", &DriverTimeoutError{Address: 0xD158}, ErrorTransient},
		{"driver disconnected", ErrDriverDisconnected, ErrorTransient},
		{"context cancelled", context.Canceled, ErrorTransient},
		{"substructure order", &InvalidSubstructureOrderError{Value: 24}, ErrorFatal},
		{"wrapped substructure order", fmt.Errorf("decode: %w", &InvalidSubstructureOrderError{Value: 30}), ErrorFatal},
		{"invalid config", ErrInvalidConfig, ErrorInvalid},
		{"parsing failed", ErrParsingFailed, ErrorInvalid},
		{"protocol", ErrDriverProtocol, ErrorInvalid},
		{"unknown platform", &UnknownPlatformError{Value: "N64"}, ErrorInvalid},
		{"read-only field", &ReadOnlyFieldError{Field: "player.hp"}, ErrorInvalid},
		{"out of range", &AddressOutOfRangeError{Field: "player.hp", Address: 1}, ErrorInvalid},
		{"schema not found", ErrSchemaNotFound, ErrorInvalid},
		{"property not found", ErrPropertyNotFound, ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			if tt.err == nil {
				return
			}
			assert.Equal(t, tt.want == ErrorTransient, IsTransient(tt.err))
			assert.Equal(t, tt.want == ErrorFatal, IsFatal(tt.err))
			assert.Equal(t, tt.want == ErrorInvalid, IsInvalid(tt.err))
		})
	}
}

func TestClassify_NilIsNothing(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsInvalid(nil))
}

func TestClassify_ExplicitClassWins(t *testing.T) {
	// a sentinel that is invalid on its own can be marked transient
	err := WrapTransient(ErrSchemaNotFound, "FileLoader", "Load", "open mapper")
	assert.True(t, IsTransient(err))
	assert.False(t, IsInvalid(err))
	assert.ErrorIs(t, err, ErrSchemaNotFound)

	// the outermost classification is the one found first
	outer := WrapFatal(fmt.Errorf("retry: %w", err), "Instance", "Load", "bootstrap")
	assert.True(t, IsFatal(outer))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Instance", "Load", "read mapper"))

	base := fmt.Errorf("original error")
	err := Wrap(base, "Instance", "Load", "read mapper")
	assert.EqualError(t, err, "Instance.Load: read mapper failed: original error")
	assert.ErrorIs(t, err, base)
}

func TestWrapClassified(t *testing.T) {
	base := fmt.Errorf("original error")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"WrapTransient", WrapTransient, ErrorTransient},
		{"WrapFatal", WrapFatal, ErrorFatal},
		{"WrapInvalid", WrapInvalid, ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, tt.wrap(nil, "Driver", "ReadBytes", "read block"))

			err := tt.wrap(base, "Driver", "ReadBytes", "read block")
			var ce *ClassifiedError
			if assert.True(t, errors.As(err, &ce)) {
				assert.Equal(t, tt.class, ce.Class)
				assert.Equal(t, "Driver", ce.Component)
				assert.Equal(t, "ReadBytes", ce.Operation)
			}
			assert.EqualError(t, err, "Driver.ReadBytes: read block failed: original error")
			assert.ErrorIs(t, err, base)
		})
	}
}

func BenchmarkClassify(b *testing.B) {
	err := fmt.Errorf("poll: %w", &DriverTimeoutError{Address: 0xD158})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Classify(err)
	}
}
