// Package vpn provides the connection lifecycle engine for the
// OpenConnect client. This file contains the value types exchanged with
// observers: log entries, authentication forms, certificate challenges,
// traffic statistics, and mainloop commands.
package vpn

import (
	"fmt"

	"github.com/openconnect-go/client/config"
)

// LogLevel is the severity of an engine log message.
type LogLevel int

const (
	LogError LogLevel = iota
	LogInfo
	LogDebug
	LogTrace
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogError:
		return "error"
	case LogInfo:
		return "info"
	case LogDebug:
		return "debug"
	case LogTrace:
		return "trace"
	default:
		return "unknown"
	}
}

// LogLevelFromSeverity maps an engine severity code to a LogLevel.
// The engine uses 0 for errors through 3 for trace; anything outside
// that range is clamped to trace.
func LogLevelFromSeverity(code int) LogLevel {
	if code < 0 || code > int(LogTrace) {
		return LogTrace
	}
	return LogLevel(code)
}

// ParseLogLevel converts a configuration verbosity string to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case config.VerbosityError:
		return LogError, nil
	case config.VerbosityInfo:
		return LogInfo, nil
	case config.VerbosityDebug:
		return LogDebug, nil
	case config.VerbosityTrace:
		return LogTrace, nil
	}
	return LogInfo, fmt.Errorf("unknown log level %q", s)
}

// FieldKind identifies the input type of an authentication form field.
type FieldKind int

const (
	// FieldText is a plain text input.
	FieldText FieldKind = iota
	// FieldPassword is a masked input.
	FieldPassword
	// FieldHidden is a field carried through unchanged, not shown to the user.
	FieldHidden
	// FieldSelect is a choice among Options.
	FieldSelect
)

// String returns the string representation of the field kind.
func (k FieldKind) String() string {
	switch k {
	case FieldText:
		return "text"
	case FieldPassword:
		return "password"
	case FieldHidden:
		return "hidden"
	case FieldSelect:
		return "select"
	default:
		return "unknown"
	}
}

// AuthField is one entry of an authentication form. The handler fills
// Value in place; field order is significant and must be preserved.
type AuthField struct {
	// ID is the server-assigned field name.
	ID string
	// Label is the human-readable prompt.
	Label string
	// Kind is the input type.
	Kind FieldKind
	// Options holds the selectable choices when Kind is FieldSelect.
	Options []string
	// Value is the field content, mutated by the handler.
	Value string
	// Required indicates the server rejects the form without a value.
	Required bool
}

// AuthForm is one authentication challenge handed to the registered
// handler for in-place field population. It is consumed exactly once
// and never persisted.
type AuthForm struct {
	Title   string
	Message string
	Fields  []AuthField
}

// Field returns a pointer to the field with the given ID, or nil.
func (f *AuthForm) Field(id string) *AuthField {
	for i := range f.Fields {
		if f.Fields[i].ID == id {
			return &f.Fields[i]
		}
	}
	return nil
}

// CertificateInfo describes one certificate validation challenge.
// Constructed per challenge and consumed by a single accept/reject
// decision.
type CertificateInfo struct {
	// Reason is the engine's description of the validation failure.
	Reason string
	// Hostname is the server name the certificate was presented for.
	Hostname string
	// DER holds the raw certificate bytes when available.
	DER []byte
}

// Stats holds cumulative traffic counters since connection
// establishment. Counters survive engine-internal reconnections within
// the same connection and are destroyed with it.
type Stats struct {
	TxPackets uint64
	RxPackets uint64
	TxBytes   uint64
	RxBytes   uint64
}

// add returns the element-wise sum of two counter sets.
func (s Stats) add(other Stats) Stats {
	return Stats{
		TxPackets: s.TxPackets + other.TxPackets,
		RxPackets: s.RxPackets + other.RxPackets,
		TxBytes:   s.TxBytes + other.TxBytes,
		RxBytes:   s.RxBytes + other.RxBytes,
	}
}

// Command is a single-byte instruction written to the command channel
// and consumed by the engine's mainloop. The byte values match the
// engine's wire protocol.
type Command byte

const (
	CommandCancel Command = 'x'
	CommandPause  Command = 'p'
	CommandDetach Command = 'd'
	CommandStats  Command = 's'
)
