// Package driver defines how an instance talks to an emulator: read whole
// memory blocks once per poll, and write bytes back at an address.
//
// Drivers must be safe for concurrent use and should not log above debug
// level; failures are returned as errors so the caller decides how loud to
// be. Timeouts are reported as *errors.DriverTimeoutError, lost connections
// wrap errors.ErrDriverDisconnected and malformed replies wrap
// errors.ErrDriverProtocol.
package driver

import (
	"context"

	"github.com/c360/memhook/platform"
)

// ReadBytesResult maps a block name to the bytes read for it. It lives for
// one poll iteration and is not modified after ReadBytes returns.
type ReadBytesResult map[string][]byte

// Block returns the bytes read for the named block
func (r ReadBytesResult) Block(name string) ([]byte, bool) {
	b, ok := r[name]
	return b, ok
}

// Driver reads and writes emulator memory
type Driver interface {
	// Name identifies the driver in logs and problem reports
	Name() string

	// ReadBytes reads every block in order. The first failure fails the call.
	ReadBytes(ctx context.Context, blocks []platform.MemoryAddressBlock) (ReadBytesResult, error)

	// WriteBytes writes data starting at address
	WriteBytes(ctx context.Context, address uint32, data []byte) error
}
