// Package common provides shared constants, types, and utilities
// used across the OpenConnect client.
package common

import "errors"

// Sentinel errors for connection lifecycle operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Session errors.
	ErrAlreadyConnected = errors.New("connection already active")
	ErrNotInitialized   = errors.New("session not initialized")
	ErrCancelled        = errors.New("operation cancelled")

	// Configuration errors.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Handshake errors, one per stage of tunnel establishment.
	ErrCookieObtainFailed        = errors.New("failed to obtain authentication cookie")
	ErrTunnelHandshakeFailed     = errors.New("control channel handshake failed")
	ErrDatagramSetupFailed       = errors.New("encrypted data channel setup failed")
	ErrTunSetupFailed            = errors.New("tunnel interface setup failed")
	ErrCommandChannelSetupFailed = errors.New("command channel setup failed")

	// Authentication errors.
	ErrCertificateValidationFailed = errors.New("server certificate rejected")
	ErrAuthenticationFailed        = errors.New("authentication failed")

	// Runtime errors.
	ErrConnectionLost = errors.New("connection lost")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
