// Package errors classifies memhook failures and defines the driver, field and
// schema error taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass tells a caller what to do with an error
type ErrorClass int

const (
	// ErrorTransient may succeed on the next poll or retry
	ErrorTransient ErrorClass = iota
	// ErrorInvalid is caused by input or configuration and will not heal
	ErrorInvalid
	// ErrorFatal stops the current operation
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// General sentinels
var (
	ErrNotLoaded     = errors.New("no mapper loaded")
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// Sentinels with a fixed class when they reach a classifier unwrapped.
// Everything else, driver timeouts and disconnects included, is transient.
var (
	fatalErrs = []error{
		ErrInvalidSubstructureOrder,
	}
	invalidErrs = []error{
		ErrInvalidData,
		ErrParsingFailed,
		ErrInvalidConfig,
		ErrMissingConfig,
		ErrDriverProtocol,
		ErrAddressOutOfRange,
		ErrUnknownFieldType,
		ErrReadOnlyField,
		ErrUnknownPlatform,
		ErrSchemaNotFound,
		ErrSchemaValidation,
		ErrPropertyNotFound,
	}
)

// ClassifiedError carries an explicit class along with the wrapped error
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the class of err. An explicit ClassifiedError anywhere in
// the chain wins; otherwise known sentinels decide, and anything unrecognized
// is transient. Classify(nil) is ErrorTransient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case matchesAny(err, fatalErrs):
		return ErrorFatal
	case matchesAny(err, invalidErrs):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ErrorTransient
}

// IsFatal reports whether err should stop the current operation
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}

// IsInvalid reports whether err was caused by bad input or configuration
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == ErrorInvalid
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Wrap adds context in the form "component.method: action failed: cause"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as transient
func WrapTransient(err error, component, method, action string) error {
	return wrapClassified(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err as fatal
func WrapFatal(err error, component, method, action string) error {
	return wrapClassified(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err as invalid
func WrapInvalid(err error, component, method, action string) error {
	return wrapClassified(ErrorInvalid, err, component, method, action)
}
