// Package engine provides a tunnel engine implementation that drives
// the system openconnect binary as a subprocess. It exists so the
// command-line client works against a stock openconnect install; any
// other implementation of vpn.TunnelEngine (native bindings, a fake in
// tests) can be substituted through the factory.
package engine

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/openconnect-go/client/vpn"
)

// DefaultBinary is the openconnect executable probed on PATH.
const DefaultBinary = "openconnect"

// severity codes of the progress callback.
const (
	severityError = 0
	severityInfo  = 1
	severityDebug = 2
)

var (
	cookieRe      = regexp.MustCompile(`^COOKIE='?([^']+)'?$`)
	serverCertRe  = regexp.MustCompile(`--servercert (pin-sha256:\S+)`)
	interfaceRe   = regexp.MustCompile(`[Cc]onnected as [0-9a-fA-F.:]+.*using\s+(\S+)`)
	tunDeviceRe   = regexp.MustCompile(`using interface (\S+)|Connected (tun\d+|utun\d+)`)
	reconnectedRe = regexp.MustCompile(`[Rr]e-?connected`)
)

// execEngine drives one openconnect process per connection.
type execEngine struct {
	binary string
	cb     vpn.EngineCallbacks

	mu       sync.Mutex
	server   string
	protocol string
	level    int
	cookie   string
	pin      string
	script   string
	ifname   string
	tunIface string

	onReconnected func()
	onStats       func(vpn.Stats)
	onTunSetup    func() error

	cmd      *exec.Cmd
	cmdRead  *os.File
	commands chan vpn.Command
	done     chan int
}

// NewFactory returns an engine factory running the given openconnect
// binary with the given protocol variant; an empty binary falls back to
// DefaultBinary on PATH.
func NewFactory(binary, protocol string) vpn.EngineFactory {
	return func(identity string, cb vpn.EngineCallbacks) (vpn.TunnelEngine, error) {
		if binary == "" {
			binary = DefaultBinary
		}
		path, err := exec.LookPath(binary)
		if err != nil {
			return nil, fmt.Errorf("openconnect binary not found: %w", err)
		}
		_ = identity // the binary presents its own user agent
		return &execEngine{
			binary:   path,
			protocol: protocol,
			cb:       cb,
			commands: make(chan vpn.Command, 4),
			done:     make(chan int, 1),
		}, nil
	}
}

func (e *execEngine) SetLogLevel(level int) {
	e.mu.Lock()
	e.level = level
	e.mu.Unlock()
}

func (e *execEngine) ParseServerURL(url string) error {
	if !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("unsupported server URL %q", url)
	}
	e.mu.Lock()
	e.server = url
	e.mu.Unlock()
	return nil
}

func (e *execEngine) SetupCommandChannel() (io.WriteCloser, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	e.cmdRead = r
	go e.readCommands()
	return w, nil
}

// readCommands pumps single command bytes off the pipe for the
// mainloop to consume.
func (e *execEngine) readCommands() {
	buf := make([]byte, 1)
	for {
		n, err := e.cmdRead.Read(buf)
		if err != nil {
			close(e.commands)
			return
		}
		if n == 1 {
			e.commands <- vpn.Command(buf[0])
		}
	}
}

func (e *execEngine) SetReconnectedHandler(fn func()) { e.onReconnected = fn }
func (e *execEngine) SetStatsHandler(fn func(vpn.Stats)) { e.onStats = fn }
func (e *execEngine) SetTunSetupHandler(fn func() error) { e.onTunSetup = fn }

// ObtainCookie runs the binary in authenticate-only mode, resolving the
// authentication form through the registered callback and feeding the
// result on stdin. A certificate the binary rejects is retried with the
// suggested pin once the certificate callback accepts it.
func (e *execEngine) ObtainCookie() error {
	form := &vpn.EngineForm{
		Message: "VPN gateway credentials",
		Fields: []*vpn.EngineFormField{
			{Name: "username", Label: "Username", Type: vpn.EngineFieldText, Required: true},
			{Name: "password", Label: "Password", Type: vpn.EngineFieldPassword, Required: true},
		},
	}
	if e.cb.ProcessAuthForm != nil {
		if err := e.cb.ProcessAuthForm(form); err != nil {
			return err
		}
	}
	username, password := form.Fields[0].Value, form.Fields[1].Value

	cookie, output, err := e.authenticate(username, password, "")
	if err == nil {
		e.mu.Lock()
		e.cookie = cookie
		e.mu.Unlock()
		return nil
	}

	pin, certErr := splitCertFailure(output)
	if pin == "" || e.cb.ValidatePeerCert == nil {
		return err
	}
	if !e.cb.ValidatePeerCert(certErr, hostOf(e.server), nil) {
		return fmt.Errorf("certificate rejected: %s", certErr)
	}

	cookie, _, err = e.authenticate(username, password, pin)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cookie = cookie
	e.pin = pin
	e.mu.Unlock()
	return nil
}

// authenticate runs one authenticate-only invocation and extracts the
// session cookie from its output.
func (e *execEngine) authenticate(username, password, pin string) (string, string, error) {
	args := []string{"--authenticate", "--user", username, "--passwd-on-stdin"}
	args = e.appendCommonArgs(args, pin)

	cmd := exec.Command(e.binary, args...)
	cmd.Stdin = strings.NewReader(password + "\n")
	out, err := cmd.CombinedOutput()
	text := string(out)
	e.progressLines(text, severityDebug)
	if err != nil {
		return "", text, fmt.Errorf("authentication failed: %s", firstErrorLine(text, err))
	}

	for _, line := range strings.Split(text, "\n") {
		if m := cookieRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1], text, nil
		}
	}
	return "", text, fmt.Errorf("no session cookie in authenticate output")
}

func (e *execEngine) appendCommonArgs(args []string, pin string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.protocol != "" {
		args = append(args, "--protocol", e.protocol)
	}
	if pin == "" {
		pin = e.pin
	}
	if pin != "" {
		args = append(args, "--servercert", pin)
	}
	if e.level >= int(vpn.LogDebug) {
		args = append(args, "-v")
	}
	return append(args, e.server)
}

// EstablishControlChannel asks for interface configuration, then starts
// the tunnel process with the obtained cookie and waits for the control
// channel to come up.
func (e *execEngine) EstablishControlChannel() error {
	if e.onTunSetup != nil {
		if err := e.onTunSetup(); err != nil {
			return err
		}
	}

	args := []string{"--cookie-on-stdin", "--non-inter"}
	e.mu.Lock()
	if e.script != "" {
		args = append(args, "--script", e.script)
	}
	if e.ifname != "" {
		args = append(args, "--interface", e.ifname)
	}
	cookie := e.cookie
	e.mu.Unlock()
	args = e.appendCommonArgs(args, "")

	cmd := exec.Command(e.binary, args...)
	cmd.Stdin = strings.NewReader(cookie + "\n")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", e.binary, err)
	}
	e.cmd = cmd

	connected := make(chan struct{}, 1)
	go e.monitorOutput(stdout, connected)
	go e.monitorOutput(stderr, connected)
	go func() {
		err := cmd.Wait()
		code := 1
		if err == nil {
			code = 0
		} else if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() > 0 {
			code = ee.ExitCode()
		}
		e.done <- code
	}()

	select {
	case <-connected:
		return nil
	case code := <-e.done:
		e.done <- code
		return fmt.Errorf("tunnel process exited during handshake (code %d)", code)
	case <-time.After(60 * time.Second):
		e.terminate()
		return fmt.Errorf("control channel handshake timed out")
	}
}

// SetupDataChannelSecurity is satisfied by the binary itself, which
// negotiates DTLS in the background once the control channel is up.
func (e *execEngine) SetupDataChannelSecurity(timeout time.Duration) error {
	if e.cmd == nil {
		return fmt.Errorf("control channel not established")
	}
	return nil
}

// SetupTunDevice records the script and interface for the tunnel
// process; the binary runs the script itself when it brings the
// interface up.
func (e *execEngine) SetupTunDevice(script, ifname string) error {
	e.mu.Lock()
	e.script = script
	e.ifname = ifname
	e.mu.Unlock()
	return nil
}

// monitorOutput scans one output stream, forwarding every line to the
// progress callback and watching for connection markers.
func (e *execEngine) monitorOutput(r io.Reader, connected chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		severity := severityInfo
		if strings.Contains(line, "Failed") || strings.Contains(line, "fgets") ||
			strings.Contains(line, "Error") || strings.Contains(line, "error") {
			severity = severityError
		}
		if e.cb.Progress != nil {
			e.cb.Progress(severity, line)
		}

		if m := tunDeviceRe.FindStringSubmatch(line); m != nil {
			name := m[1]
			if name == "" {
				name = m[2]
			}
			e.mu.Lock()
			e.tunIface = name
			e.mu.Unlock()
		}
		if interfaceRe.MatchString(line) || strings.Contains(line, "Session authentication will expire") {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
		if reconnectedRe.MatchString(line) && e.onReconnected != nil {
			e.onReconnected()
		}
	}
}

// RunMainloopStep blocks until the process needs attention: a command
// arrives on the command channel or the process exits. Stats commands
// are serviced from the kernel interface counters since the binary has
// no stats channel of its own; servicing one keeps the loop running
// rather than yielding a recoverable return, which the caller would
// read as a dropped tunnel.
func (e *execEngine) RunMainloopStep(reconnectTimeout, reconnectInterval time.Duration) int {
	for {
		select {
		case code := <-e.done:
			e.done <- code
			if code == 0 {
				return 1
			}
			return code
		case cmd, ok := <-e.commands:
			if !ok {
				return 1
			}
			switch cmd {
			case vpn.CommandCancel, vpn.CommandDetach:
				e.terminate()
				code := <-e.done
				e.done <- code
				if code == 0 {
					return 1
				}
				return code
			case vpn.CommandStats:
				if e.onStats != nil {
					e.onStats(e.readInterfaceStats())
				}
			case vpn.CommandPause:
				// The binary has no pause mode; absorb the command.
			}
		}
	}
}

// terminate stops the tunnel process, escalating from SIGTERM to
// SIGKILL after a grace period.
func (e *execEngine) terminate() {
	if e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case code := <-e.done:
		e.done <- code
	case <-time.After(3 * time.Second):
		_ = e.cmd.Process.Kill()
	}
}

// readInterfaceStats reads cumulative counters for the tunnel interface
// from sysfs. Missing values read as zero.
func (e *execEngine) readInterfaceStats() vpn.Stats {
	e.mu.Lock()
	iface := e.tunIface
	e.mu.Unlock()
	if iface == "" {
		return vpn.Stats{}
	}
	base := "/sys/class/net/" + iface + "/statistics/"
	return vpn.Stats{
		TxPackets: readCounter(base + "tx_packets"),
		RxPackets: readCounter(base + "rx_packets"),
		TxBytes:   readCounter(base + "tx_bytes"),
		RxBytes:   readCounter(base + "rx_bytes"),
	}
}

func readCounter(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (e *execEngine) InterfaceName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tunIface
}

// Free terminates any running process and closes the command channel
// read end.
func (e *execEngine) Free() {
	e.terminate()
	if e.cmdRead != nil {
		e.cmdRead.Close()
	}
}

// progressLines forwards captured batch output line by line.
func (e *execEngine) progressLines(text string, severity int) {
	if e.cb.Progress == nil {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		if line != "" {
			e.cb.Progress(severity, line)
		}
	}
}

// splitCertFailure extracts the suggested certificate pin and the
// failure reason from failed authenticate output, or "" when the
// failure was not certificate related.
func splitCertFailure(text string) (pin, reason string) {
	m := serverCertRe.FindStringSubmatch(text)
	if m == nil {
		return "", ""
	}
	reason = "certificate failed verification"
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, "certificate") {
			reason = strings.TrimSpace(line)
			break
		}
	}
	return m[1], reason
}

// firstErrorLine picks the most useful line out of failed batch output.
func firstErrorLine(text string, fallback error) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "fail") || strings.Contains(line, "Failed") ||
			strings.Contains(line, "rror") || strings.Contains(line, "incorrect") {
			return line
		}
	}
	return fallback.Error()
}

// hostOf strips the scheme and path from a server URL.
func hostOf(server string) string {
	host := strings.TrimPrefix(server, "https://")
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	return host
}
