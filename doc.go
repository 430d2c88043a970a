// Package memhook reads game state out of a running emulator and pushes it to
// clients as it changes.
//
// # Layers
//
// The module is split the same way data flows through it:
//
//   - driver: talks to the emulator. driver/udp speaks the RetroArch network
//     command interface (READ_CORE_MEMORY and WRITE_CORE_MEMORY).
//   - platform: the memory map of each supported console (NES, SNES, GB, GBA)
//     and its endianness.
//   - mapper: per-game YAML schemas naming every field, its address and type.
//   - codec and preprocessor: turn raw bytes into values and back, including
//     the encrypted Generation 3 party data.
//   - property: a field's current bytes, value and freeze state.
//   - instance: loads a mapper, polls the driver and diffs each cycle.
//   - notify: fans events out to sinks (log, NATS, WebSocket) in order.
//
// # Ambient packages
//
// config loads layered JSON configuration with environment overrides. errors
// classifies failures as transient, invalid or fatal. metric and health expose
// Prometheus metrics and a health endpoint. natsclient wraps the NATS
// connection. pkg/retry, pkg/worker, pkg/security and pkg/tlsutil hold the
// shared retry, worker pool and TLS helpers.
//
// The daemon lives in cmd/memhook.
package memhook
