// Package main provides the entry point for the OpenConnect client,
// a command-line VPN client for AnyConnect-compatible gateways built
// on the openconnect tunnel engine.
//
// Features:
//   - Cookie-based authentication with interactive form handling
//   - Automatic tunnel re-establishment after network changes
//   - Secure credential storage using the system keyring
//   - Traffic statistics reporting over the live tunnel
//
// Usage:
//
//	oc-client --server https://vpn.example.com [options]
//
// Environment:
//
//	The application requires the openconnect binary to be installed on
//	the system.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/openconnect-go/client/cli"
	"github.com/openconnect-go/client/common"
	"github.com/openconnect-go/client/engine"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	// General flags
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")

	// Connection flags
	server       = flag.String("server", "", "VPN gateway URL")
	username     = flag.String("user", "", "Authentication username")
	protocol     = flag.String("protocol", "", "Protocol variant (anyconnect, nc, gp, pulse, array)")
	configFile   = flag.String("config", "", "Load connection settings from a YAML file")
	script       = flag.String("script", "", "Network configuration script override")
	ifname       = flag.String("interface", "", "Requested tunnel interface name")
	binary       = flag.String("binary", engine.DefaultBinary, "Path to the openconnect binary")
	insecure     = flag.Bool("insecure", false, "Accept certificates that fail verification")
	savePassword = flag.Bool("save-password", false, "Store the password in the system keyring")
	retry        = flag.Bool("retry", false, "Retry a failed connection with backoff")
	statsEvery   = flag.Int("stats", 0, "Print traffic statistics at this interval in seconds")
)

func main() {
	flag.Parse()

	// Handle help flag
	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	// Handle version flag
	if *showVersion {
		fmt.Printf("%s v%s\n", common.AppName, appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	if *server == "" && *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: either --server or --config is required.")
		cli.PrintHelp()
		os.Exit(1)
	}

	// Initialize logger with structured logging and file output
	logLevel := common.LevelInfo
	if *verbose {
		logLevel = common.LevelDebug
	}

	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  true,
		MaxFileSize: 5, // MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	if !checkOpenConnectInstalled(*binary) {
		common.LogError("openconnect is not installed on the system")
		fmt.Fprintln(os.Stderr, "Error: the openconnect binary was not found on the system.")
		os.Exit(1)
	}

	common.LogInfo("Starting %s v%s", common.AppName, appVersion)

	app, err := cli.New(cli.Options{
		Server:        *server,
		Username:      *username,
		Password:      os.Getenv("OC_PASSWORD"),
		Protocol:      *protocol,
		ConfigFile:    *configFile,
		Script:        *script,
		Interface:     *ifname,
		Binary:        *binary,
		Insecure:      *insecure,
		Verbose:       *verbose,
		SavePassword:  *savePassword,
		Retry:         *retry,
		StatsInterval: time.Duration(*statsEvery) * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// checkOpenConnectInstalled verifies that the openconnect binary is
// available, either at the given path or in the system PATH.
func checkOpenConnectInstalled(binary string) bool {
	if common.IsExecutable(binary) {
		return true
	}
	if _, err := exec.LookPath(binary); err == nil {
		return true
	}
	return false
}
