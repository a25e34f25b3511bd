// Package common provides shared constants, types, utilities, and interfaces
// used throughout the OpenConnect client.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Application-wide constants like timeouts and file names
//   - Errors: Sentinel errors for consistent error handling across packages
//   - Interfaces: The credential store abstraction backed by keyring
//   - Logger: Structured logging with rotating file output
//
// # Usage
//
// Import the package to access shared functionality:
//
//	import "github.com/openconnect-go/client/common"
//
//	// Use constants
//	timeout := common.DisconnectTimeout
//
//	// Use logger
//	common.LogInfo("Connecting to %s", server)
//
//	// Check errors
//	if errors.Is(err, common.ErrAlreadyConnected) {
//	    // Handle duplicate connect
//	}
package common
