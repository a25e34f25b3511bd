package vpn

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openconnect-go/client/config"
)

// commandRecorder is an in-memory command channel write end. Written
// commands unblock a fake mainloop step, mirroring how the real engine
// polls its command pipe.
type commandRecorder struct {
	mu            sync.Mutex
	written       []Command
	closed        bool
	cancelled     chan struct{}
	statsRequests chan struct{}
}

func newCommandRecorder() *commandRecorder {
	return &commandRecorder{
		cancelled:     make(chan struct{}),
		statsRequests: make(chan struct{}, 8),
	}
}

func (r *commandRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	for _, b := range p {
		r.written = append(r.written, Command(b))
		switch Command(b) {
		case CommandCancel:
			select {
			case <-r.cancelled:
			default:
				close(r.cancelled)
			}
		case CommandStats:
			r.statsRequests <- struct{}{}
		}
	}
	return len(p), nil
}

func (r *commandRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *commandRecorder) commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.written...)
}

// fakeEngine is a scriptable TunnelEngine. Handshake stages fail when
// the corresponding error is set; mainloop step results are fed through
// the steps channel. The tunnel setup handler runs at the start of the
// first mainloop step, matching when the real engine requests it.
type fakeEngine struct {
	mu sync.Mutex

	logLevel  int
	serverURL string
	script    string
	reqIfname string
	ifname    string
	freed     bool

	parseErr   error
	cookieErr  error
	controlErr error
	dtlsErr    error
	tunErr     error

	// certReason, when set, triggers a peer certificate check during
	// ObtainCookie. authForm, when set, is run through the auth callback.
	certReason string
	authForm   *EngineForm

	cb          EngineCallbacks
	onReconnect func()
	onStats     func(Stats)
	onTunSetup  func() error

	// dtlsHook, when set, runs inside SetupDataChannelSecurity.
	dtlsHook func()

	tunPending bool
	runSteps   atomic.Int32
	steps      chan int
	statsFeed  chan Stats
	cmds       *commandRecorder
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		ifname:     "tun0",
		tunPending: true,
		steps:      make(chan int, 16),
		statsFeed:  make(chan Stats, 8),
		cmds:       newCommandRecorder(),
	}
}

// factory returns an EngineFactory handing out this fake and capturing
// the callbacks for the test to invoke.
func (e *fakeEngine) factory() EngineFactory {
	return func(identity string, cb EngineCallbacks) (TunnelEngine, error) {
		e.mu.Lock()
		e.cb = cb
		e.mu.Unlock()
		return e, nil
	}
}

func (e *fakeEngine) SetLogLevel(level int) {
	e.mu.Lock()
	e.logLevel = level
	e.mu.Unlock()
}

func (e *fakeEngine) ParseServerURL(url string) error {
	e.mu.Lock()
	e.serverURL = url
	e.mu.Unlock()
	return e.parseErr
}

func (e *fakeEngine) SetupCommandChannel() (io.WriteCloser, error) {
	return e.cmds, nil
}

func (e *fakeEngine) SetReconnectedHandler(fn func()) {
	e.mu.Lock()
	e.onReconnect = fn
	e.mu.Unlock()
}

func (e *fakeEngine) SetStatsHandler(fn func(Stats)) {
	e.mu.Lock()
	e.onStats = fn
	e.mu.Unlock()
}

func (e *fakeEngine) SetTunSetupHandler(fn func() error) {
	e.mu.Lock()
	e.onTunSetup = fn
	e.mu.Unlock()
}

func (e *fakeEngine) ObtainCookie() error {
	e.mu.Lock()
	cb := e.cb
	reason := e.certReason
	form := e.authForm
	e.mu.Unlock()

	if reason != "" && cb.ValidatePeerCert != nil {
		if !cb.ValidatePeerCert(reason, "vpn.example.com", []byte{0x30}) {
			return errors.New("certificate was rejected")
		}
	}
	if form != nil && cb.ProcessAuthForm != nil {
		if err := cb.ProcessAuthForm(form); err != nil {
			return err
		}
	}
	return e.cookieErr
}

func (e *fakeEngine) EstablishControlChannel() error {
	return e.controlErr
}

func (e *fakeEngine) SetupDataChannelSecurity(timeout time.Duration) error {
	if e.dtlsHook != nil {
		e.dtlsHook()
	}
	return e.dtlsErr
}

func (e *fakeEngine) SetupTunDevice(script, ifname string) error {
	e.mu.Lock()
	e.script = script
	e.reqIfname = ifname
	e.mu.Unlock()
	return e.tunErr
}

// RunMainloopStep mirrors the real engine's contract: stats commands
// are serviced inside the step, and only a scripted result or a cancel
// ends it.
func (e *fakeEngine) RunMainloopStep(reconnectTimeout, reconnectInterval time.Duration) int {
	e.runSteps.Add(1)

	e.mu.Lock()
	pending := e.tunPending
	e.tunPending = false
	tun := e.onTunSetup
	e.mu.Unlock()

	if pending && tun != nil {
		if err := tun(); err != nil {
			return 1
		}
	}

	for {
		select {
		case rc := <-e.steps:
			return rc
		case <-e.cmds.cancelled:
			return 1
		case <-e.cmds.statsRequests:
			e.mu.Lock()
			fn := e.onStats
			e.mu.Unlock()
			if fn != nil {
				fn(<-e.statsFeed)
			}
		}
	}
}

func (e *fakeEngine) InterfaceName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ifname
}

func (e *fakeEngine) Free() {
	e.mu.Lock()
	e.freed = true
	e.mu.Unlock()
}

func (e *fakeEngine) isFreed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freed
}

// writeScript creates an executable stand-in network script so the
// tunnel setup path resolves deterministically.
func writeScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vpnc-script")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

// testConfig returns a valid configuration pointing at the stand-in
// script.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default("https://vpn.example.com")
	cfg.ScriptPath = writeScript(t)
	return cfg
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// statusRecorder collects status transitions in arrival order.
type statusRecorder struct {
	mu  sync.Mutex
	seq []Status
}

func (r *statusRecorder) record(st Status) {
	r.mu.Lock()
	r.seq = append(r.seq, st)
	r.mu.Unlock()
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.seq...)
}

func (r *statusRecorder) last() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seq) == 0 {
		return Status{}, false
	}
	return r.seq[len(r.seq)-1], true
}
