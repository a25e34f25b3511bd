// Package common provides shared constants, types, and utilities
// used across the OpenConnect client.
package common

// CredentialStore defines the interface for credential lookup.
// Implementations are expected to delegate to an OS-level secret service;
// this client never writes credentials to its own files.
type CredentialStore interface {
	// Store saves a password under the given account key.
	Store(account, password string) error
	// Get retrieves a password for the given account key.
	Get(account string) (string, error)
	// Delete removes the password for the given account key.
	Delete(account string) error
}
