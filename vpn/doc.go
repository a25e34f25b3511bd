// Package vpn implements the connection lifecycle engine for an
// AnyConnect-compatible VPN client.
//
// This package coordinates the full life of a VPN connection:
//
//   - Session: the public entry point, enforcing at most one active
//     connection and fanning events out to registered observers
//   - Connection: one connection attempt, driving the handshake state
//     machine and owning the mainloop worker goroutine
//   - TunnelEngine: the boundary to the opaque protocol, cryptography,
//     and transport implementation the connection drives
//
// # Connection Flow
//
// A typical connection flow:
//
//  1. The caller builds a validated config.Config and a Session
//  2. Session.Connect constructs a Connection and a tunnel engine
//  3. The handshake runs synchronously on the calling goroutine:
//     cookie, control channel, encrypted data channel
//  4. The engine requests interface configuration through a callback,
//     on its own schedule, and the status becomes Connected
//  5. A dedicated worker goroutine drives the engine's blocking
//     mainloop step until cancelled or a fatal condition
//
// # Reconnection
//
// Transient drops are retried internally by the engine, bounded by the
// configured reconnect timeout and interval. The Connection only
// reflects that as a Reconnecting status; it never retries a failed
// handshake itself. Retry policy around Connect belongs to the caller.
//
// # Thread Safety
//
// Session and Connection are safe for concurrent use. Status is only
// mutated under a single lock; observer fan-out happens outside it, so
// observers may call back into the Session. Certificate and auth-form
// handlers block the handshake until they return.
package vpn
