// Package vpn provides the connection lifecycle engine for the
// OpenConnect client. This file defines the boundary to the tunnel
// engine: the opaque protocol, cryptography, and transport
// implementation the connection drives.
package vpn

import (
	"io"
	"time"
)

// Engine-native authentication field types, matching the wire protocol.
const (
	EngineFieldText     = 1
	EngineFieldPassword = 2
	EngineFieldHidden   = 3
	EngineFieldSelect   = 4
)

// EngineSelect holds the choices of an engine-native select field.
type EngineSelect struct {
	Options []string
}

// EngineFormField is one field of the engine's native authentication
// form representation. Value is written back by the callback
// translation layer before the form is returned to the engine.
type EngineFormField struct {
	Name     string
	Label    string
	Type     int
	Value    string
	Required bool
	Select   *EngineSelect
}

// EngineForm is the engine's native authentication challenge.
type EngineForm struct {
	Banner  string
	Message string
	Fields  []*EngineFormField
}

// EngineCallbacks are the functions the engine invokes during the
// handshake and mainloop. The certificate and auth-form callbacks run
// on the thread that initiated the handshake; progress may also run on
// the mainloop worker.
type EngineCallbacks struct {
	// ValidatePeerCert decides whether to trust a server certificate
	// that failed validation. Returning false aborts the handshake.
	ValidatePeerCert func(reason, hostname string, der []byte) bool
	// ProcessAuthForm fills an authentication challenge in place.
	// A non-nil error aborts the handshake.
	ProcessAuthForm func(form *EngineForm) error
	// Progress receives log output with a severity code 0 (error)
	// through 3 (trace). Messages may carry a trailing newline.
	Progress func(level int, message string)
}

// MainloopContinue is returned by RunMainloopStep when the mainloop
// should keep running; any other value is terminal.
const MainloopContinue = 0

// TunnelEngine is the consumed capability set of the tunnel engine.
// One engine instance serves one connection and is exclusively owned by
// it: the connection's worker goroutine is the only caller of
// RunMainloopStep, and the goroutine that initiated the connect is the
// only caller of the handshake methods.
type TunnelEngine interface {
	// SetLogLevel sets the engine verbosity, 0 (error) through 3 (trace).
	SetLogLevel(level int)
	// ParseServerURL validates and records the gateway URL.
	ParseServerURL(url string) error
	// SetupCommandChannel creates the OS-level channel used to signal a
	// running mainloop and returns its write end. The engine consumes
	// commands from the read end inside RunMainloopStep.
	SetupCommandChannel() (io.WriteCloser, error)

	// SetReconnectedHandler registers the callback invoked after the
	// engine re-establishes a dropped tunnel.
	SetReconnectedHandler(func())
	// SetStatsHandler registers the callback that receives traffic
	// counters in response to a stats command.
	SetStatsHandler(func(Stats))
	// SetTunSetupHandler registers the callback the engine invokes mid
	// handshake, on its own schedule, to request interface
	// configuration. A non-nil return aborts the connection.
	SetTunSetupHandler(func() error)

	// ObtainCookie runs the authentication exchange.
	ObtainCookie() error
	// EstablishControlChannel performs the control channel handshake.
	EstablishControlChannel() error
	// SetupDataChannelSecurity negotiates the encrypted datagram channel.
	SetupDataChannelSecurity(timeout time.Duration) error
	// SetupTunDevice runs the network configuration script against the
	// tunnel device, optionally requesting a specific interface name.
	SetupTunDevice(script, ifname string) error

	// RunMainloopStep services the established connection. It blocks
	// until the engine needs command processing, attempts a reconnect,
	// or hits a fatal condition. MainloopContinue means keep looping;
	// any other value is terminal.
	RunMainloopStep(reconnectTimeout, reconnectInterval time.Duration) int

	// InterfaceName returns the assigned tunnel interface name, or ""
	// before the interface exists.
	InterfaceName() string
	// Free releases the engine. No method may be called afterwards.
	Free()
}

// EngineFactory constructs a tunnel engine. The identity string is the
// user agent presented to the gateway; the callbacks are captured for
// the engine's lifetime, which replaces opaque-pointer dispatch with
// closures bound at construction.
type EngineFactory func(identity string, cb EngineCallbacks) (TunnelEngine, error)
