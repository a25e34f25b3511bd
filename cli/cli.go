// Package cli provides the command-line surface of the OpenConnect
// client: it resolves configuration and credentials, runs a session
// against the tunnel engine, and prints status, log, and statistics
// lines until the connection ends.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/term"

	"github.com/openconnect-go/client/common"
	"github.com/openconnect-go/client/config"
	"github.com/openconnect-go/client/engine"
	"github.com/openconnect-go/client/keyring"
	"github.com/openconnect-go/client/vpn"
)

// Options carries the parsed command-line flags.
type Options struct {
	Server        string
	Username      string
	Password      string
	Protocol      string
	ConfigFile    string
	Script        string
	Interface     string
	Binary        string
	Insecure      bool
	Verbose       bool
	SavePassword  bool
	Retry         bool
	StatsInterval time.Duration
}

// CLI drives one connection from the terminal.
type CLI struct {
	opts    Options
	cfg     *config.Config
	session *vpn.Session
	creds   common.CredentialStore
}

// New resolves the configuration from flags and an optional config file
// and prepares a session.
func New(opts Options) (*CLI, error) {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}

	session, err := vpn.NewSession(cfg, engine.NewFactory(opts.Binary, string(cfg.Protocol)))
	if err != nil {
		return nil, err
	}

	return &CLI{opts: opts, cfg: cfg, session: session, creds: keyring.Service{}}, nil
}

func resolveConfig(opts Options) (*config.Config, error) {
	var cfg *config.Config
	if opts.ConfigFile != "" {
		loaded, err := config.Load(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default(opts.Server)
	}

	// Flags override file values.
	if opts.Server != "" {
		cfg.Server = opts.Server
	}
	if opts.Username != "" {
		cfg.Username = opts.Username
	}
	if opts.Protocol != "" {
		cfg.Protocol = config.Protocol(opts.Protocol)
	}
	if opts.Script != "" {
		cfg.ScriptPath = opts.Script
	}
	if opts.Interface != "" {
		cfg.Interface = opts.Interface
	}
	if opts.Insecure {
		cfg.AllowInsecure = true
	}
	if opts.Verbose {
		cfg.LogLevel = config.VerbosityDebug
	}
	cfg.Password = opts.Password

	return cfg, nil
}

// Run connects and blocks until the connection ends or the process
// receives an interrupt. The returned error is nil for a clean,
// user-initiated shutdown.
func (c *CLI) Run() error {
	if err := c.resolveCredentials(); err != nil {
		return err
	}

	c.registerObservers()
	c.session.SetAuthFormHandler(c.fillForm)
	c.session.SetCertificateHandler(c.confirmCertificate)

	disconnected := make(chan error, 1)
	c.session.OnDisconnect(func(err error) {
		select {
		case disconnected <- err:
		default:
		}
	})

	if err := c.connectWithRetry(); err != nil {
		return err
	}

	if c.opts.SavePassword && c.cfg.Password != "" {
		account := keyring.Account(c.cfg.Server, c.cfg.Username)
		if err := c.creds.Store(account, c.cfg.Password); err != nil {
			common.LogWarn("could not store password in keyring: %v", err)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	var statsTicker *time.Ticker
	var statsC <-chan time.Time
	if c.opts.StatsInterval > 0 {
		statsTicker = time.NewTicker(c.opts.StatsInterval)
		statsC = statsTicker.C
		defer statsTicker.Stop()
	}

	for {
		select {
		case <-interrupt:
			fmt.Println("Disconnecting...")
			c.session.Disconnect()
			return nil
		case <-statsC:
			c.session.RequestStats()
		case err := <-disconnected:
			c.session.Disconnect()
			if err != nil {
				return err
			}
			return nil
		}
	}
}

// connectWithRetry runs Session.Connect, optionally under a backoff
// loop. The session itself never retries a failed handshake; retry
// policy lives here with the caller.
func (c *CLI) connectWithRetry() error {
	err := c.session.Connect()
	if err == nil || !c.opts.Retry {
		return err
	}
	if errors.Is(err, common.ErrAuthenticationFailed) || errors.Is(err, common.ErrInvalidConfiguration) {
		return err
	}

	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	for attempt := 1; attempt <= 5; attempt++ {
		wait := b.Duration()
		fmt.Printf("Connection failed (%v); retrying in %v...\n", err, wait.Round(time.Second))
		time.Sleep(wait)
		if err = c.session.Connect(); err == nil {
			return nil
		}
	}
	return err
}

// resolveCredentials fills in the username and password from flags, the
// system keyring, or an interactive prompt, in that order.
func (c *CLI) resolveCredentials() error {
	if c.cfg.Username == "" {
		username, err := promptLine("Username: ")
		if err != nil {
			return err
		}
		c.cfg.Username = username
	}

	if c.cfg.Password == "" {
		account := keyring.Account(c.cfg.Server, c.cfg.Username)
		if password, err := c.creds.Get(account); err == nil {
			c.cfg.Password = password
			return nil
		}
	}

	if c.cfg.Password == "" {
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		c.cfg.Password = password
	}
	return nil
}

func (c *CLI) registerObservers() {
	c.session.OnStatusChange(func(st vpn.Status) {
		fmt.Println(st.String())
		if st.State == vpn.StateConnected {
			if name, ok := c.session.InterfaceName(); ok {
				fmt.Printf("Tunnel interface: %s\n", name)
			}
		}
	})
	c.session.OnLogMessage(func(level vpn.LogLevel, msg string) {
		if !c.opts.Verbose && level > vpn.LogInfo {
			return
		}
		fmt.Printf("[%s] %s\n", level, msg)
	})
	c.session.OnReconnected(func() {
		fmt.Println("Tunnel re-established")
	})
	c.session.OnStats(func(s vpn.Stats) {
		fmt.Printf("tx %d pkts / %d bytes, rx %d pkts / %d bytes\n",
			s.TxPackets, s.TxBytes, s.RxPackets, s.RxBytes)
	})
}

// fillForm answers authentication challenges: credentials from the
// resolved configuration, anything else from the terminal.
func (c *CLI) fillForm(form *vpn.AuthForm) error {
	if form.Message != "" {
		fmt.Println(form.Message)
	}
	for i := range form.Fields {
		f := &form.Fields[i]
		if f.Value != "" || f.Kind == vpn.FieldHidden {
			continue
		}
		switch f.Kind {
		case vpn.FieldPassword:
			if f.ID == "password" && c.cfg.Password != "" {
				f.Value = c.cfg.Password
				continue
			}
			value, err := promptPassword(f.Label + ": ")
			if err != nil {
				return err
			}
			f.Value = value
		case vpn.FieldSelect:
			if len(f.Options) > 0 {
				fmt.Printf("%s [%s]\n", f.Label, strings.Join(f.Options, ", "))
				value, err := promptLine("> ")
				if err != nil {
					return err
				}
				if value == "" {
					value = f.Options[0]
				}
				f.Value = value
			}
		default:
			if f.ID == "username" && c.cfg.Username != "" {
				f.Value = c.cfg.Username
				continue
			}
			value, err := promptLine(f.Label + ": ")
			if err != nil {
				return err
			}
			f.Value = value
		}
	}
	return nil
}

// confirmCertificate asks the user to accept an unverified server
// certificate unless --insecure already allows it.
func (c *CLI) confirmCertificate(info vpn.CertificateInfo) bool {
	if c.cfg.AllowInsecure {
		return true
	}
	fmt.Printf("Certificate for %s failed verification: %s\n", info.Hostname, info.Reason)
	answer, err := promptLine("Connect anyway? [y/N] ")
	if err != nil {
		return false
	}
	return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return promptLine("")
	}
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`OpenConnect Client - Command Line Interface

Usage:
  oc-client --server https://vpn.example.com [OPTIONS]

Options:
  --server URL        VPN gateway URL (required unless --config is given)
  --user NAME         Authentication username
  --protocol NAME     Protocol variant: anyconnect, nc, gp, pulse, array
  --config PATH       Load connection settings from a YAML file
  --script PATH       Network configuration script override
  --interface NAME    Requested tunnel interface name
  --binary PATH       Path to the openconnect binary
  --insecure          Accept certificates that fail verification
  --save-password     Store the password in the system keyring
  --retry             Retry a failed connection with backoff
  --stats SECONDS     Print traffic statistics at this interval
  --verbose           Enable verbose logging
  --version           Show version and exit
  --help              Show this help message

Examples:
  oc-client --server https://vpn.example.com --user alice
  oc-client --config ~/.config/oc-client/config.yaml --stats 30`)
}
