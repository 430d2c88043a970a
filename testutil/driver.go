package testutil

import (
	"context"
	"sync"

	"github.com/c360/memhook/driver"
	"github.com/c360/memhook/platform"
)

// Write records one WriteBytes call
type Write struct {
	Address uint32
	Data    []byte
}

// FakeDriver is an in-memory emulator. Unset memory reads as zero.
// Thread-safe for concurrent use from multiple goroutines.
type FakeDriver struct {
	mu       sync.Mutex
	memory   map[uint32]byte
	readErr  error
	writeErr error
	reads    int
	writes   []Write
	onRead   func(reads int)
	onWrite  func(address uint32)
}

var _ driver.Driver = (*FakeDriver)(nil)

// NewFakeDriver creates an empty fake driver
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{memory: make(map[uint32]byte)}
}

// Name returns "fake"
func (d *FakeDriver) Name() string { return "fake" }

// Set writes bytes into fake memory starting at addr
func (d *FakeDriver) Set(addr uint32, data ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range data {
		d.memory[addr+uint32(i)] = b
	}
}

// Get returns n bytes of fake memory starting at addr
func (d *FakeDriver) Get(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = d.memory[addr+uint32(i)]
	}
	return out
}

// SetReadError makes every ReadBytes fail with err until cleared with nil
func (d *FakeDriver) SetReadError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// SetWriteError makes every WriteBytes fail with err until cleared with nil
func (d *FakeDriver) SetWriteError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

// OnRead registers a hook called with the read count before each ReadBytes.
// It runs under the driver lock and must not call back into the driver.
func (d *FakeDriver) OnRead(fn func(reads int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRead = fn
}

// ReadBytes returns each block's bytes from fake memory
func (d *FakeDriver) ReadBytes(ctx context.Context, blocks []platform.MemoryAddressBlock) (driver.ReadBytesResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reads++
	if d.onRead != nil {
		d.onRead(d.reads)
	}
	if d.readErr != nil {
		return nil, d.readErr
	}

	result := make(driver.ReadBytesResult, len(blocks))
	for _, block := range blocks {
		buf := make([]byte, block.Len())
		for i := range buf {
			buf[i] = d.memory[block.Start+uint32(i)]
		}
		result[block.Name] = buf
	}
	return result, nil
}

// OnWrite registers a hook called before each WriteBytes. It runs outside
// the driver lock, so it may block to hold a write in flight.
func (d *FakeDriver) OnWrite(fn func(address uint32)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onWrite = fn
}

// WriteBytes records the write and applies it to fake memory
func (d *FakeDriver) WriteBytes(ctx context.Context, address uint32, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	hook := d.onWrite
	d.mu.Unlock()
	if hook != nil {
		hook(address)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.writeErr != nil {
		return d.writeErr
	}
	d.writes = append(d.writes, Write{Address: address, Data: append([]byte(nil), data...)})
	for i, b := range data {
		d.memory[address+uint32(i)] = b
	}
	return nil
}

// Reads returns the number of ReadBytes calls
func (d *FakeDriver) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Writes returns a copy of the recorded writes
func (d *FakeDriver) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Write, len(d.writes))
	copy(out, d.writes)
	return out
}
