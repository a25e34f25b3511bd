// Package vpn provides the connection lifecycle engine for the
// OpenConnect client. This file contains the Connection type, which
// owns one tunnel engine, drives the handshake state machine, and runs
// the mainloop worker for the life of a connection.
package vpn

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openconnect-go/client/common"
	"github.com/openconnect-go/client/config"
)

// engineIdentity is the user agent presented to the gateway.
const engineIdentity = "OpenConnect VPN Agent (oc-client)"

// eventSink receives translated engine events. It is implemented by
// Session; the Connection holds it as a non-owning back-reference.
type eventSink interface {
	statusChanged(Status)
	logMessage(LogLevel, string)
	certificateCheck(CertificateInfo) bool
	fillAuthForm(*AuthForm) error
	reconnected()
	statsReceived(Stats)
	disconnectReason(error)
}

// Connection drives one connection attempt from handshake through
// mainloop to teardown. It exclusively owns the tunnel engine and the
// worker goroutine; the status field and the cumulative statistics are
// the only state shared between the caller's goroutine and the worker,
// and every access goes through mu.
type Connection struct {
	cfg    *config.Config
	engine TunnelEngine
	sink   eventSink

	mu       sync.Mutex
	status   Status
	cmd      io.WriteCloser
	ifname   string
	lastErr  error
	base     Stats // counters folded in across engine reconnects
	reported Stats // last counters reported by the engine
	released bool

	wg              sync.WaitGroup
	workerRunning   atomic.Bool
	cancelRequested atomic.Bool
}

// newConnection constructs the engine for one connection attempt and
// wires its callbacks. The returned Connection is Disconnected; begin
// and establish drive the handshake.
func newConnection(cfg *config.Config, factory EngineFactory, sink eventSink) (*Connection, error) {
	c := &Connection{
		cfg:    cfg,
		sink:   sink,
		status: Status{State: StateDisconnected},
	}

	engine, err := factory(engineIdentity, EngineCallbacks{
		ValidatePeerCert: c.handlePeerCert,
		ProcessAuthForm:  c.handleAuthForm,
		Progress:         c.handleProgress,
	})
	if err != nil {
		return nil, common.WrapError(err, "failed to create tunnel engine")
	}
	c.engine = engine

	level, err := ParseLogLevel(cfg.LogLevel)
	if err != nil {
		engine.Free()
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfiguration, err)
	}
	engine.SetLogLevel(int(level))

	if err := engine.ParseServerURL(cfg.Server); err != nil {
		engine.Free()
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidConfiguration, err)
	}

	cmd, err := engine.SetupCommandChannel()
	if err != nil {
		engine.Free()
		return nil, fmt.Errorf("%w: %v", common.ErrCommandChannelSetupFailed, err)
	}
	c.cmd = cmd

	engine.SetReconnectedHandler(c.handleReconnected)
	engine.SetStatsHandler(c.handleStats)
	engine.SetTunSetupHandler(c.handleTunSetup)

	return c, nil
}

// Status returns a snapshot of the current status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State returns the current coarse state.
func (c *Connection) State() State {
	return c.Status().State
}

// InterfaceName returns the assigned tunnel interface name. The second
// return is false until the connection has reached Connected.
func (c *Connection) InterfaceName() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ifname == "" {
		return "", false
	}
	return c.ifname, true
}

// begin claims the connection for a connect attempt, moving it from
// Disconnected to Connecting without notifying observers; the caller
// fans the initial status out once it no longer holds its own lock.
func (c *Connection) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != StateDisconnected {
		return false
	}
	c.status = Status{State: StateConnecting, Stage: StageInitializing}
	return true
}

// establish runs the synchronous handshake stages and spawns the
// mainloop worker. Stage failures are dual-reported: recorded as the
// Disconnected status and returned to the caller.
func (c *Connection) establish() error {
	if err := c.step(StageAuthenticating, c.engine.ObtainCookie, common.ErrCookieObtainFailed); err != nil {
		return err
	}
	if err := c.step(StageEstablishingTunnel, c.engine.EstablishControlChannel, common.ErrTunnelHandshakeFailed); err != nil {
		return err
	}
	dtlsSetup := func() error {
		return c.engine.SetupDataChannelSecurity(time.Duration(c.cfg.ReconnectTimeout) * time.Second)
	}
	if err := c.step(StageDataChannel, dtlsSetup, common.ErrDatagramSetupFailed); err != nil {
		return err
	}

	c.setStage(StageConfiguringTunnel)

	// The cancel check and the worker claim form one critical section
	// with release's teardown decision, so a concurrent disconnect can
	// never free the engine between the check and the worker starting.
	c.mu.Lock()
	if c.cancelRequested.Load() || c.released {
		c.mu.Unlock()
		c.setDisconnected(nil)
		return common.ErrCancelled
	}
	c.workerRunning.Store(true)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.runMainloop()
	return nil
}

// step advances to the named handshake stage and runs it.
func (c *Connection) step(stage string, fn func() error, failure error) error {
	c.setStage(stage)
	if err := fn(); err != nil {
		werr := fmt.Errorf("%w: %v", failure, err)
		c.setDisconnected(werr)
		return werr
	}
	return nil
}

// setStage publishes a new connecting stage. It is a no-op outside
// StateConnecting so a late stage update cannot clobber a Connected or
// Disconnected transition that raced ahead of it.
func (c *Connection) setStage(stage string) {
	c.mu.Lock()
	if c.status.State != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.status = Status{State: StateConnecting, Stage: stage}
	st := c.status
	c.mu.Unlock()
	c.sink.statusChanged(st)
}

// setDisconnected transitions to Disconnected and notifies observers.
// It never overwrites an existing Disconnected status, which keeps the
// first recorded failure authoritative and makes disconnect idempotent.
func (c *Connection) setDisconnected(err error) bool {
	c.mu.Lock()
	if c.status.State == StateDisconnected {
		c.mu.Unlock()
		return false
	}
	c.status = Status{State: StateDisconnected, Err: err}
	st := c.status
	c.mu.Unlock()
	c.sink.statusChanged(st)
	c.sink.disconnectReason(err)
	return true
}

// runMainloop is the worker goroutine driving the engine's blocking
// run-step until it reports a terminal condition. A recoverable return
// surfaces as Reconnecting only when the tunnel had fully connected,
// which keeps the very first connection attempt from flashing a
// spurious reconnect state.
func (c *Connection) runMainloop() {
	defer c.wg.Done()
	defer c.workerRunning.Store(false)

	reconnectTimeout := time.Duration(c.cfg.ReconnectTimeout) * time.Second
	reconnectInterval := time.Duration(c.cfg.ReconnectInterval) * time.Second

	for {
		rc := c.engine.RunMainloopStep(reconnectTimeout, reconnectInterval)
		if rc != MainloopContinue {
			common.LogDebug("mainloop step returned terminal code %d", rc)
			break
		}

		c.mu.Lock()
		notify := false
		var st Status
		if c.status.State == StateConnected {
			c.status = Status{State: StateReconnecting}
			st, notify = c.status, true
		}
		c.mu.Unlock()
		if notify {
			c.sink.statusChanged(st)
		}
	}

	var err error
	if !c.cancelRequested.Load() {
		c.mu.Lock()
		err = c.lastErr
		c.mu.Unlock()
		if err == nil {
			err = common.ErrConnectionLost
		}
	}
	c.setDisconnected(err)
}

// disconnect signals the mainloop to stop and waits, bounded, for the
// worker to exit. The wait is best effort: on timeout the worker is
// abandoned with a warning, never surfaced as an error, and the status
// is forced to a clean Disconnected.
func (c *Connection) disconnect() {
	if c.State() == StateDisconnected {
		return
	}
	c.cancelRequested.Store(true)

	if !c.sendCommand(CommandCancel) {
		common.LogWarn("cancel command could not be delivered to the mainloop")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(common.DisconnectTimeout):
		common.LogWarn("mainloop did not stop within %v; abandoning worker", common.DisconnectTimeout)
	}

	c.setDisconnected(nil)
}

// release tears the connection down after the worker has stopped,
// closing the command channel and freeing the engine. If the worker was
// abandoned by a timed-out disconnect the engine is intentionally
// leaked rather than freed underneath it.
func (c *Connection) release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	cmd := c.cmd
	c.cmd = nil
	// Read the worker flag while still holding mu: establish claims the
	// worker under the same lock, so after this point either the worker
	// was already running or it can no longer start.
	running := c.workerRunning.Load()
	c.mu.Unlock()

	if cmd != nil {
		cmd.Close()
	}
	if running {
		common.LogWarn("worker still running at teardown; leaking engine handle")
		return
	}
	c.engine.Free()
}

// requestStats forwards a stats command to a connected mainloop.
// It reports whether the command was accepted for delivery; the
// counters themselves arrive asynchronously through the stats observer.
func (c *Connection) requestStats() bool {
	c.mu.Lock()
	connected := c.status.State == StateConnected
	c.mu.Unlock()
	if !connected {
		return false
	}
	return c.sendCommand(CommandStats)
}

// sendCommand writes one command byte to the command channel. This is
// the only way to influence a running mainloop from outside.
func (c *Connection) sendCommand(cmd Command) bool {
	c.mu.Lock()
	w := c.cmd
	c.mu.Unlock()
	if w == nil {
		return false
	}
	_, err := w.Write([]byte{byte(cmd)})
	if err != nil {
		common.LogWarn("command channel write failed: %v", err)
		return false
	}
	return true
}

// recordError stores the most recent engine failure for the terminal
// Disconnected transition.
func (c *Connection) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
