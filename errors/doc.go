// Package errors provides standardized error handling patterns for memhook.
//
// # Overview
//
// Errors are grouped into three classes: Transient (temporary, retryable),
// Invalid (bad input, do not retry), and Fatal (unrecoverable, stop
// processing). The poll loop, the drivers and the mapper loader use the class
// to decide whether to retry on the next tick, report and move on, or abort.
//
// # Taxonomy
//
// The memory pipeline reports failures through typed errors, each of which
// unwraps to a sentinel so callers can match with errors.Is:
//
//	DriverTimeoutError{Address}          -> ErrDriverTimeout            (transient)
//	ErrDriverDisconnected                                                (transient)
//	ErrDriverProtocol                                                    (invalid)
//	AddressOutOfRangeError{Field}        -> ErrAddressOutOfRange        (invalid)
//	UnknownFieldTypeError{Field, Type}   -> ErrUnknownFieldType         (invalid)
//	InvalidSubstructureOrderError{Value} -> ErrInvalidSubstructureOrder (fatal)
//	ReadOnlyFieldError{Field}            -> ErrReadOnlyField            (invalid)
//	UnknownPlatformError{Value}          -> ErrUnknownPlatform          (invalid)
//	ErrSchemaNotFound, ErrSchemaValidation                               (invalid)
//
// Use errors.As to recover the payload:
//
//	var timeout *errors.DriverTimeoutError
//	if errors.As(err, &timeout) {
//	    logger.Debug("read timed out", "address", timeout.Address)
//	}
//
// # Poll severity
//
// Kind ranks the errors seen within one poll iteration so the instance can
// report the most specific one:
//
//	KindDriverTimeout > KindDriverDisconnected > KindFieldDecodeFailure > KindOK
//
// # Error Wrapping Pattern
//
// All wrapping follows the format "component.method: action failed: cause":
//
//	if err := drv.ReadBytes(ctx, blocks); err != nil {
//	    return errors.WrapTransient(err, "Instance", "poll", "read memory blocks")
//	}
//
// Wrapped errors keep the chain intact, so errors.Is and errors.As continue to
// reach the typed errors above.
//
// # Classification
//
// Classify looks for an explicit ClassifiedError first, then for the
// sentinels above. Errors it does not recognize are transient, so a poll loop
// keeps going and retry.Do keeps retrying. Backoff itself lives in pkg/retry.
package errors
