// Package property holds the runtime state of one mapper field: its last
// bytes and decoded value, its resolved address and any frozen bytes that are
// written back whenever the game changes them.
package property

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/c360/memhook/codec"
	"github.com/c360/memhook/driver"
	"github.com/c360/memhook/errors"
	"github.com/c360/memhook/mapper"
	"github.com/c360/memhook/platform"
	"github.com/c360/memhook/preprocessor"
)

// FreezeNotifier receives freeze state changes
type FreezeNotifier interface {
	OnPropertyFrozen(ctx context.Context, path string) error
	OnPropertyUnfrozen(ctx context.Context, path string) error
}

// Schema is the read-only part of a loaded mapper that decoding needs
type Schema struct {
	Platform platform.Options
	Glossary map[string]mapper.Glossary
}

// Frame is everything one poll iteration decodes from. It is shared by all
// fields and must not be modified while they decode.
type Frame struct {
	Schema
	Result driver.ReadBytesResult
	Cache  *preprocessor.Cache
}

// Outcome reports what Process did
type Outcome struct {
	Changed  bool
	Rewrote  bool
	Snapshot Snapshot
}

// Snapshot is a point-in-time copy of a field's state
type Snapshot struct {
	Path        string     `json:"path"`
	Type        codec.Type `json:"type"`
	Address     *uint32    `json:"address,omitempty"`
	Size        int        `json:"size"`
	Value       any        `json:"value"`
	Bytes       []byte     `json:"bytes"`
	Frozen      bool       `json:"frozen"`
	ReadOnly    bool       `json:"read_only"`
	Description string     `json:"description,omitempty"`
}

// Deps holds the collaborators a field writes through
type Deps struct {
	Driver   driver.Driver
	Notifier FreezeNotifier // optional
	Logger   *slog.Logger   // optional
}

// Field is the runtime state of one FieldSpec
type Field struct {
	spec     mapper.FieldSpec
	expr     *preprocessor.Expression
	driver   driver.Driver
	notifier FreezeNotifier
	logger   *slog.Logger

	mu       sync.RWMutex
	address  *uint32
	bytes    []byte
	value    any
	hasValue bool
	frozen   []byte

	// data block the address was last resolved in; nil for static fields
	block  *preprocessor.DataBlock
	offset int
}

// New creates a field. Preprocessor fields have no address until their first
// successful Process.
func New(spec mapper.FieldSpec, deps Deps) (*Field, error) {
	if deps.Driver == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil driver"), "Field", "New", "driver validation")
	}
	if spec.Size <= 0 {
		spec.Size = 1
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &Field{
		spec:     spec,
		driver:   deps.Driver,
		notifier: deps.Notifier,
		logger:   logger,
	}

	if spec.Preprocessor != "" {
		expr, err := preprocessor.ParseExpression(spec.Preprocessor)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", spec.Path, err)
		}
		f.expr = &expr
	} else if spec.Address != nil {
		addr := *spec.Address
		f.address = &addr
	}

	return f, nil
}

// Path returns the field's dotted path
func (f *Field) Path() string { return f.spec.Path }

// Spec returns the field's definition
func (f *Field) Spec() mapper.FieldSpec { return f.spec }

// DataBlockBase returns the base address of the data block the field is
// decrypted from.
func (f *Field) DataBlockBase() (uint32, bool) {
	if f.expr == nil {
		return 0, false
	}
	return f.expr.Base, true
}

// Resolve locates the field's bytes in a frame and returns them with the
// address they were read from. Data block fields return decrypted bytes.
func (f *Field) Resolve(frame Frame) (uint32, []byte, error) {
	loc, err := f.resolve(frame)
	return loc.address, loc.raw, err
}

type location struct {
	address uint32
	raw     []byte
	block   *preprocessor.DataBlock
	offset  int
}

func (f *Field) resolve(frame Frame) (location, error) {
	if f.expr != nil {
		block, err := frame.Cache.Get(f.expr.Base)
		if err != nil {
			return location{}, err
		}
		addr, raw, err := f.expr.Resolve(f.spec.Path, block, f.spec.Size)
		if err != nil {
			return location{}, err
		}
		return location{address: addr, raw: raw, block: &block, offset: f.expr.Offset(block)}, nil
	}

	if f.spec.Address == nil {
		return location{}, &errors.AddressOutOfRangeError{Field: f.spec.Path}
	}
	addr := *f.spec.Address

	block, ok := frame.Platform.BlockFor(addr)
	if !ok {
		return location{}, &errors.AddressOutOfRangeError{Field: f.spec.Path, Address: addr}
	}
	buf, ok := frame.Result.Block(block.Name)
	if !ok {
		return location{}, &errors.AddressOutOfRangeError{Field: f.spec.Path, Address: addr}
	}

	offset := int(addr - block.Start)
	if offset+f.spec.Size > len(buf) {
		return location{}, &errors.AddressOutOfRangeError{Field: f.spec.Path, Address: addr}
	}

	out := make([]byte, f.spec.Size)
	copy(out, buf[offset:offset+f.spec.Size])
	return location{address: addr, raw: out}, nil
}

// wireBytesLocked returns data as it must be written to memory. Data block
// fields are re-encrypted with the block's key.
func (f *Field) wireBytesLocked(data []byte) []byte {
	if f.block == nil {
		return data
	}
	return f.block.Seal(f.offset, data)
}

func (f *Field) codecContext(schema Schema) codec.Context {
	c := codec.Context{
		Field:      f.spec.Path,
		Type:       f.spec.Type,
		Endianness: schema.Platform.Endianness,
		Position:   f.spec.Position,
	}
	if name := f.spec.GlossaryName(); name != "" {
		c.Glossary = schema.Glossary[name]
	}
	return c
}

// Process decodes the field from a frame. Byte-identical input is reported
// unchanged without decoding. A decode failure keeps the last good value.
// A frozen field whose live bytes differ from the frozen bytes has them
// written back before decoding, so it heals even when the live bytes do not
// decode.
func (f *Field) Process(ctx context.Context, frame Frame) (Outcome, error) {
	loc, err := f.resolve(frame)
	if err != nil {
		return Outcome{}, err
	}
	raw := loc.raw

	f.mu.Lock()
	f.address = &loc.address
	f.block = loc.block
	f.offset = loc.offset

	if f.hasValue && bytes.Equal(raw, f.bytes) && (f.frozen == nil || bytes.Equal(raw, f.frozen)) {
		f.mu.Unlock()
		return Outcome{}, nil
	}

	var out Outcome
	if f.frozen != nil && !bytes.Equal(raw, f.frozen) {
		if err := f.driver.WriteBytes(ctx, loc.address, f.wireBytesLocked(f.frozen)); err != nil {
			f.mu.Unlock()
			return Outcome{}, errors.Wrap(err, "Field", "Process", "rewrite frozen bytes")
		}
		raw = append([]byte(nil), f.frozen...)
		out.Rewrote = true
	}

	value, err := codec.Decode(f.codecContext(frame.Schema), raw)
	if err != nil {
		f.mu.Unlock()
		return Outcome{}, err
	}

	out.Changed = !f.hasValue || !reflect.DeepEqual(value, f.value)
	f.bytes = raw
	f.value = value
	f.hasValue = true
	out.Snapshot = f.snapshotLocked()
	f.mu.Unlock()

	return out, nil
}

// WriteBytes writes data at the field's address. freeze set to true keeps
// rewriting data whenever the game changes it; false releases a freeze; nil
// leaves the freeze state alone.
func (f *Field) WriteBytes(ctx context.Context, data []byte, freeze *bool) error {
	f.mu.Lock()
	if f.address == nil {
		f.mu.Unlock()
		return errors.WrapInvalid(&errors.ReadOnlyFieldError{Field: f.spec.Path}, "Field", "WriteBytes", "address check")
	}
	if len(data) != f.spec.Size {
		f.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: field %q takes %d bytes, got %d", errors.ErrInvalidData, f.spec.Path, f.spec.Size, len(data)),
			"Field", "WriteBytes", "length check")
	}
	addr := *f.address

	if err := f.driver.WriteBytes(ctx, addr, f.wireBytesLocked(data)); err != nil {
		f.mu.Unlock()
		return errors.Wrap(err, "Field", "WriteBytes", "driver write")
	}

	if freeze != nil {
		if *freeze {
			f.frozen = append([]byte(nil), data...)
		} else {
			f.frozen = nil
		}
	}
	f.mu.Unlock()

	if freeze != nil {
		f.notifyFreeze(ctx, *freeze)
	}
	return nil
}

// WriteValue encodes value with the field's codec and writes it
func (f *Field) WriteValue(ctx context.Context, schema Schema, value any, freeze *bool) error {
	if !f.spec.Type.CanEncode() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: field %q of type %s cannot be written as a value", errors.ErrInvalidData, f.spec.Path, f.spec.Type),
			"Field", "WriteValue", "type check")
	}

	f.mu.RLock()
	current := append([]byte(nil), f.bytes...)
	f.mu.RUnlock()
	if len(current) == 0 {
		current = nil
	}

	data, err := codec.Encode(f.codecContext(schema), value, f.spec.Size, current)
	if err != nil {
		return err
	}
	return f.WriteBytes(ctx, data, freeze)
}

// Unfreeze releases a freeze without writing
func (f *Field) Unfreeze(ctx context.Context) {
	f.mu.Lock()
	wasFrozen := f.frozen != nil
	f.frozen = nil
	f.mu.Unlock()

	if wasFrozen {
		f.notifyFreeze(ctx, false)
	}
}

func (f *Field) notifyFreeze(ctx context.Context, frozen bool) {
	if f.notifier == nil {
		return
	}
	var err error
	if frozen {
		err = f.notifier.OnPropertyFrozen(ctx, f.spec.Path)
	} else {
		err = f.notifier.OnPropertyUnfrozen(ctx, f.spec.Path)
	}
	if err != nil {
		f.logger.Warn("Freeze notification failed", "path", f.spec.Path, "frozen", frozen, "error", err)
	}
}

// IsFrozen reports whether the field has frozen bytes
func (f *Field) IsFrozen() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.frozen != nil
}

// IsReadOnly reports whether the field has no address to write to
func (f *Field) IsReadOnly() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.address == nil
}

// Value returns the last decoded value
func (f *Field) Value() any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

// Bytes returns a copy of the last bytes read
func (f *Field) Bytes() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]byte(nil), f.bytes...)
}

// Snapshot returns a copy of the field's state
func (f *Field) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshotLocked()
}

func (f *Field) snapshotLocked() Snapshot {
	s := Snapshot{
		Path:        f.spec.Path,
		Type:        f.spec.Type,
		Size:        f.spec.Size,
		Value:       f.value,
		Frozen:      f.frozen != nil,
		ReadOnly:    f.address == nil,
		Description: f.spec.Description,
	}
	if f.address != nil {
		addr := *f.address
		s.Address = &addr
	}
	if f.bytes != nil {
		s.Bytes = append([]byte(nil), f.bytes...)
	}
	return s
}
