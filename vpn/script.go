// Package vpn provides the connection lifecycle engine for the
// OpenConnect client. This file locates the external network
// configuration script the engine runs to set up the tunnel device.
package vpn

import (
	"fmt"

	"github.com/openconnect-go/client/common"
)

// scriptSearchPaths are the platform-standard install locations probed
// when no script path is configured, in order.
var scriptSearchPaths = []string{
	"/usr/share/vpnc-scripts/vpnc-script",
	"/usr/local/share/vpnc-scripts/vpnc-script",
	"/etc/vpnc/vpnc-script",
	"/opt/homebrew/etc/vpnc-script",
}

// LocateScript resolves the network configuration script to hand to the
// engine. An explicitly configured path must itself be executable;
// otherwise the standard locations are probed in order.
func LocateScript(configured string) (string, error) {
	if configured != "" {
		if !common.IsExecutable(configured) {
			return "", fmt.Errorf("%w: script %q is not executable", common.ErrTunSetupFailed, configured)
		}
		return configured, nil
	}

	for _, path := range scriptSearchPaths {
		if common.IsExecutable(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no usable network configuration script found", common.ErrTunSetupFailed)
}
