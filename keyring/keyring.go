// Package keyring provides credential lookup backed by the operating
// system keyring. Credentials live only in the OS secret service; this
// client never writes them to its own files.
package keyring

import (
	"errors"

	"github.com/zalando/go-keyring"

	"github.com/openconnect-go/client/common"
)

// serviceName is the identifier used in the system keyring.
const serviceName = "oc-client"

// Common errors returned by keyring operations.
var (
	ErrNotFound    = errors.New("credential not found")
	ErrUnavailable = errors.New("keyring service unavailable")
)

// Account builds the keyring account key for a server and username.
func Account(server, username string) string {
	return username + "@" + server
}

// Store saves a password under the given account key.
func Store(account, password string) error {
	if account == "" {
		return errors.New("account cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}
	if err := keyring.Set(serviceName, account, password); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

// Get retrieves a password for the given account key.
func Get(account string) (string, error) {
	if account == "" {
		return "", errors.New("account cannot be empty")
	}
	password, err := keyring.Get(serviceName, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", errors.Join(ErrUnavailable, err)
	}
	return password, nil
}

// Delete removes the password for the given account key.
func Delete(account string) error {
	if account == "" {
		return errors.New("account cannot be empty")
	}
	if err := keyring.Delete(serviceName, account); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNotFound
		}
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

// Exists checks whether a credential exists for the given account key.
func Exists(account string) bool {
	_, err := Get(account)
	return err == nil
}

// Service adapts the package functions to common.CredentialStore so
// callers can swap in another store for testing.
type Service struct{}

var _ common.CredentialStore = Service{}

func (Service) Store(account, password string) error { return Store(account, password) }

func (Service) Get(account string) (string, error) { return Get(account) }

func (Service) Delete(account string) error { return Delete(account) }
