// Package common provides shared constants, types, and utilities
// used across the OpenConnect client.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "OpenConnect Client"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "oc-client"
)

// File names used by the application.
const (
	ConfigFileName = "config.yaml"
	LogFileName    = "oc-client.log"
)

// Default timeouts and intervals.
const (
	// DisconnectTimeout is the maximum time Disconnect waits for the
	// mainloop worker to observe the cancel command before dropping it.
	DisconnectTimeout = 5 * time.Second
	// DefaultReconnectTimeout bounds the engine's internal reconnect loop.
	DefaultReconnectTimeout = 300 * time.Second
	// DefaultReconnectInterval spaces the engine's reconnect attempts.
	DefaultReconnectInterval = 10 * time.Second
)

// Limits on the configurable reconnect parameters, in seconds.
const (
	MinReconnectTimeoutSec  = 10
	MaxReconnectTimeoutSec  = 300
	MinReconnectIntervalSec = 10
	MaxReconnectIntervalSec = 100
)
