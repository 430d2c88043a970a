// Package testutil provides fakes and helpers for memhook tests.
//
// # Fakes
//
// FakeDriver is an in-memory emulator that implements driver.Driver. Tests
// seed memory with Set, inject failures with SetReadError and SetWriteError,
// and inspect Reads and Writes afterwards.
//
// RecordingNotifier implements notify.ClientNotifier and records every event
// in arrival order.
//
// RecordingPublisher implements notify.Publisher and records every publish.
//
// StaticLoader implements mapper.Loader over an in-memory map.
//
// # Builders
//
//	m := testutil.NewMapper("GB",
//	    testutil.Field("player.hp", codec.Uint, 0xD015, 2),
//	    testutil.Field("frame", codec.Uint, 0xFFB0, 1),
//	)
//	loader := testutil.NewStaticLoader()
//	loader.Add("red", m)
//
// # Waiting
//
// WaitFor, WaitForMessage and WaitForMessageCount poll with a deadline so
// tests of asynchronous delivery never sleep for a fixed time.
//
// Packages that testutil imports (driver, mapper, notify) test themselves
// from their external _test package when they use these helpers.
package testutil
