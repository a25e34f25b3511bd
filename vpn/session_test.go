package vpn

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openconnect-go/client/common"
)

func TestNewSession_Validation(t *testing.T) {
	e := newFakeEngine()

	if _, err := NewSession(nil, e.factory()); !errors.Is(err, common.ErrInvalidConfiguration) {
		t.Errorf("NewSession(nil cfg) error = %v, want ErrInvalidConfiguration", err)
	}

	cfg := testConfig(t)
	cfg.Server = "http://vpn.example.com" // not https
	if _, err := NewSession(cfg, e.factory()); !errors.Is(err, common.ErrInvalidConfiguration) {
		t.Errorf("NewSession(bad cfg) error = %v, want ErrInvalidConfiguration", err)
	}

	if _, err := NewSession(testConfig(t), nil); !errors.Is(err, common.ErrNotInitialized) {
		t.Errorf("NewSession(nil factory) error = %v, want ErrNotInitialized", err)
	}
}

// TestSession_ConnectLifecycle walks a full connection: every handshake
// stage in order, Connected once the tunnel device is up, then a
// terminal mainloop result surfacing as a connection loss. The drop
// happens before any reconnect attempt, so no Reconnecting status may
// appear.
func TestSession_ConnectLifecycle(t *testing.T) {
	e := newFakeEngine()
	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	rec := &statusRecorder{}
	s.OnStatusChange(rec.record)
	done := make(chan error, 1)
	s.OnDisconnect(func(err error) { done <- err })

	// First mainloop step brings the tunnel up, then reports a fatal
	// condition.
	e.steps <- 2

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var reason error
	select {
	case reason = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
	if !errors.Is(reason, common.ErrConnectionLost) {
		t.Errorf("disconnect reason = %v, want ErrConnectionLost", reason)
	}

	want := []Status{
		{State: StateConnecting, Stage: StageInitializing},
		{State: StateConnecting, Stage: StageAuthenticating},
		{State: StateConnecting, Stage: StageEstablishingTunnel},
		{State: StateConnecting, Stage: StageDataChannel},
		{State: StateConnecting, Stage: StageConfiguringTunnel},
		{State: StateConnected},
		{State: StateDisconnected, Err: common.ErrConnectionLost},
	}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("observed %d status transitions, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSession_AlreadyConnected(t *testing.T) {
	e := newFakeEngine()
	factoryCalls := 0
	factory := func(identity string, cb EngineCallbacks) (TunnelEngine, error) {
		factoryCalls++
		return e.factory()(identity, cb)
	}

	s, err := NewSession(testConfig(t), factory)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	rec := &statusRecorder{}
	s.OnStatusChange(rec.record)

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })
	before := len(rec.snapshot())

	// A second connect must fail without touching the live connection.
	if err := s.Connect(); !errors.Is(err, common.ErrAlreadyConnected) {
		t.Fatalf("second Connect error = %v, want ErrAlreadyConnected", err)
	}
	if factoryCalls != 1 {
		t.Errorf("engine factory called %d times, want 1", factoryCalls)
	}
	if after := len(rec.snapshot()); after != before {
		t.Errorf("second Connect produced %d status transitions", after-before)
	}
	if s.Status().State != StateConnected {
		t.Errorf("state after rejected Connect = %v, want Connected", s.Status().State)
	}

	s.Disconnect()
}

// A handshake failure is reported twice with the same cause: as the
// Connect return value and as the recorded Disconnected status.
func TestSession_CookieFailureDualReport(t *testing.T) {
	e := newFakeEngine()
	e.cookieErr = errors.New("bad credentials")

	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	var reason error
	reported := false
	s.OnDisconnect(func(err error) { reason, reported = err, true })

	connErr := s.Connect()
	if !errors.Is(connErr, common.ErrCookieObtainFailed) {
		t.Fatalf("Connect error = %v, want ErrCookieObtainFailed", connErr)
	}

	st := s.Status()
	if st.State != StateDisconnected {
		t.Fatalf("state = %v, want Disconnected", st.State)
	}
	if st.Err == nil || st.Err.Error() != connErr.Error() {
		t.Errorf("status error = %v, want %v", st.Err, connErr)
	}
	if !reported || !errors.Is(reason, common.ErrCookieObtainFailed) {
		t.Errorf("disconnect observer got (%v, %v), want the cookie failure", reason, reported)
	}
}

func TestSession_Disconnect(t *testing.T) {
	e := newFakeEngine()
	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	var reasons []error
	s.OnDisconnect(func(err error) { reasons = append(reasons, err) })

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	s.Disconnect()

	st := s.Status()
	if st.State != StateDisconnected || st.Err != nil {
		t.Errorf("status after Disconnect = %v, want clean Disconnected", st)
	}
	if got := e.cmds.commands(); len(got) == 0 || got[0] != CommandCancel {
		t.Errorf("command channel received %v, want a leading cancel", got)
	}
	if len(reasons) != 1 || reasons[0] != nil {
		t.Errorf("disconnect reasons = %v, want one nil reason", reasons)
	}
	if !e.isFreed() {
		t.Error("engine was not freed after Disconnect")
	}

	// Disconnecting again is a no-op.
	s.Disconnect()
	if len(reasons) != 1 {
		t.Errorf("idempotent Disconnect produced %d reasons, want 1", len(reasons))
	}
}

func TestSession_DisconnectWithoutConnect(t *testing.T) {
	e := newFakeEngine()
	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.Disconnect() // must not panic or invoke anything
	if st := s.Status(); st.State != StateDisconnected {
		t.Errorf("state = %v, want Disconnected", st.State)
	}
}

// A recoverable mainloop result surfaces as Reconnecting, and the
// engine's reconnected signal flips the status back to Connected.
func TestSession_Reconnecting(t *testing.T) {
	e := newFakeEngine()
	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	reconnected := make(chan struct{}, 1)
	s.OnReconnected(func() { reconnected <- struct{}{} })

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	// The engine reports a recoverable drop.
	e.steps <- MainloopContinue
	waitFor(t, "reconnecting", func() bool { return s.Status().State == StateReconnecting })

	// The engine re-establishes the tunnel on its own.
	e.onReconnect()
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnected observer")
	}
	waitFor(t, "connected again", func() bool { return s.Status().State == StateConnected })

	s.Disconnect()
	if st := s.Status(); st.State != StateDisconnected || st.Err != nil {
		t.Errorf("status after Disconnect = %v, want clean Disconnected", st)
	}
}

func TestSession_RequestStats(t *testing.T) {
	e := newFakeEngine()
	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	stats := make(chan Stats, 4)
	s.OnStats(func(st Stats) { stats <- st })

	if s.RequestStats() {
		t.Error("RequestStats should fail while disconnected")
	}
	if got := e.cmds.commands(); len(got) != 0 {
		t.Errorf("disconnected RequestStats wrote %v to the command channel", got)
	}

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	e.statsFeed <- Stats{TxPackets: 3, TxBytes: 300}
	if !s.RequestStats() {
		t.Fatal("RequestStats should succeed while connected")
	}
	select {
	case got := <-stats:
		if got.TxBytes != 300 {
			t.Errorf("first stats report = %+v, want TxBytes 300", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stats")
	}

	// Servicing a stats request must not end the mainloop step; the
	// session stays Connected and keeps accepting requests.
	if got := s.Status().State; got != StateConnected {
		t.Fatalf("state after serviced stats request = %v, want %v", got, StateConnected)
	}
	e.statsFeed <- Stats{TxPackets: 5, TxBytes: 500}
	if !s.RequestStats() {
		t.Fatal("second RequestStats should succeed while still connected")
	}
	select {
	case got := <-stats:
		if got.TxBytes != 500 || got.TxPackets != 5 {
			t.Errorf("second stats report = %+v, want TxBytes 500", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second stats report")
	}
	if got := e.cmds.commands(); len(got) != 2 || got[0] != CommandStats || got[1] != CommandStats {
		t.Fatalf("command channel received %v, want two stats commands", got)
	}

	// Counters stay cumulative across an engine-internal reconnect even
	// though the engine restarts its own counters on the fresh link.
	e.onReconnect()
	e.statsFeed <- Stats{TxPackets: 1, TxBytes: 100}
	if !s.RequestStats() {
		t.Fatal("RequestStats should still succeed after a reconnect")
	}
	select {
	case got := <-stats:
		if got.TxBytes != 600 || got.TxPackets != 6 {
			t.Errorf("post-reconnect stats = %+v, want cumulative TxBytes 600", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-reconnect stats")
	}

	s.Disconnect()
}

func TestSession_InterfaceName(t *testing.T) {
	e := newFakeEngine()
	cfg := testConfig(t)
	cfg.Interface = "utun9"
	s, err := NewSession(cfg, e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if _, ok := s.InterfaceName(); ok {
		t.Error("InterfaceName should be unavailable before connecting")
	}

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	name, ok := s.InterfaceName()
	if !ok || name != "tun0" {
		t.Errorf("InterfaceName() = (%q, %v), want (tun0, true)", name, ok)
	}
	if e.reqIfname != "utun9" {
		t.Errorf("requested interface = %q, want utun9", e.reqIfname)
	}
	if e.script == "" {
		t.Error("no network script was handed to the engine")
	}

	s.Disconnect()
}

func TestSession_Unsubscribe(t *testing.T) {
	e := newFakeEngine()
	e.cookieErr = errors.New("nope")
	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	rec := &statusRecorder{}
	id := s.OnStatusChange(rec.record)
	s.Unsubscribe(id)
	s.Unsubscribe("not-a-token") // unknown tokens are ignored

	if err := s.Connect(); err == nil {
		t.Fatal("Connect should fail with a cookie error")
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("unsubscribed observer received %d transitions", len(got))
	}
}

func TestSession_LogObserver(t *testing.T) {
	e := newFakeEngine()
	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	type entry struct {
		level LogLevel
		msg   string
	}
	logs := make(chan entry, 4)
	s.OnLogMessage(func(level LogLevel, msg string) { logs <- entry{level, msg} })

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	// Engine output carries a trailing newline and a numeric severity.
	e.cb.Progress(1, "SSL negotiation complete\n")
	select {
	case got := <-logs:
		if got.level != LogInfo {
			t.Errorf("log level = %v, want info", got.level)
		}
		if got.msg != "SSL negotiation complete" {
			t.Errorf("log message = %q, want the newline stripped", got.msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for log message")
	}

	s.Disconnect()
}

// Without an auth handler a form with empty required fields fails fast
// instead of being sent back to the server blank.
func TestSession_AuthFormFailFast(t *testing.T) {
	e := newFakeEngine()
	e.authForm = &EngineForm{
		Fields: []*EngineFormField{
			{Name: "password", Label: "Password:", Type: EngineFieldPassword, Required: true},
		},
	}

	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	connErr := s.Connect()
	if !errors.Is(connErr, common.ErrCookieObtainFailed) {
		t.Fatalf("Connect error = %v, want ErrCookieObtainFailed", connErr)
	}
	if !strings.Contains(connErr.Error(), common.ErrAuthenticationFailed.Error()) {
		t.Errorf("Connect error %q does not name the authentication failure", connErr)
	}
}

// Configured credentials are filled into the form and written back into
// the engine's native structure without an auth handler.
func TestSession_AuthFormPrefill(t *testing.T) {
	e := newFakeEngine()
	e.authForm = &EngineForm{
		Fields: []*EngineFormField{
			{Name: "username", Label: "Username:", Type: EngineFieldText, Required: true},
			{Name: "password", Label: "Password:", Type: EngineFieldPassword, Required: true},
		},
	}

	cfg := testConfig(t)
	cfg.Username = "alice"
	cfg.Password = "hunter2"
	s, err := NewSession(cfg, e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	if got := e.authForm.Fields[0].Value; got != "alice" {
		t.Errorf("username written back = %q, want alice", got)
	}
	if got := e.authForm.Fields[1].Value; got != "hunter2" {
		t.Errorf("password written back = %q, want hunter2", got)
	}
}

func TestSession_AuthFormHandler(t *testing.T) {
	e := newFakeEngine()
	e.authForm = &EngineForm{
		Banner:  "Corp VPN",
		Message: "Enter your one-time code",
		Fields: []*EngineFormField{
			{Name: "otp", Label: "Code:", Type: EngineFieldPassword, Required: true},
		},
	}

	s, err := NewSession(testConfig(t), e.factory())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.SetAuthFormHandler(func(form *AuthForm) error {
		if form.Title != "Corp VPN" || form.Message != "Enter your one-time code" {
			t.Errorf("handler saw form %q / %q", form.Title, form.Message)
		}
		if f := form.Field("otp"); f != nil {
			f.Value = "123456"
		}
		return nil
	})

	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Disconnect()

	if got := e.authForm.Fields[0].Value; got != "123456" {
		t.Errorf("otp written back = %q, want 123456", got)
	}
}

func TestSession_CertificateHandling(t *testing.T) {
	t.Run("handler rejects", func(t *testing.T) {
		e := newFakeEngine()
		e.certReason = "self signed certificate"

		s, err := NewSession(testConfig(t), e.factory())
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		var seen CertificateInfo
		s.SetCertificateHandler(func(info CertificateInfo) bool {
			seen = info
			return false
		})

		if err := s.Connect(); !errors.Is(err, common.ErrCookieObtainFailed) {
			t.Fatalf("Connect error = %v, want ErrCookieObtainFailed", err)
		}
		if seen.Reason != "self signed certificate" || seen.Hostname != "vpn.example.com" {
			t.Errorf("handler saw %+v", seen)
		}
	})

	t.Run("handler accepts", func(t *testing.T) {
		e := newFakeEngine()
		e.certReason = "self signed certificate"

		s, err := NewSession(testConfig(t), e.factory())
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		s.SetCertificateHandler(func(CertificateInfo) bool { return true })

		if err := s.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		s.Disconnect()
	})

	t.Run("no handler rejects by default", func(t *testing.T) {
		e := newFakeEngine()
		e.certReason = "expired"

		s, err := NewSession(testConfig(t), e.factory())
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		if err := s.Connect(); !errors.Is(err, common.ErrCookieObtainFailed) {
			t.Fatalf("Connect error = %v, want ErrCookieObtainFailed", err)
		}
	})

	t.Run("no handler with insecure config accepts", func(t *testing.T) {
		e := newFakeEngine()
		e.certReason = "expired"

		cfg := testConfig(t)
		cfg.AllowInsecure = true
		s, err := NewSession(cfg, e.factory())
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		if err := s.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		s.Disconnect()
	})
}

// A connection that failed during the handshake leaves the session
// reusable: the next Connect builds a fresh engine.
func TestSession_ReconnectAfterFailure(t *testing.T) {
	first := newFakeEngine()
	first.cookieErr = errors.New("temporary")
	second := newFakeEngine()
	engines := []*fakeEngine{first, second}

	factory := func(identity string, cb EngineCallbacks) (TunnelEngine, error) {
		e := engines[0]
		engines = engines[1:]
		return e.factory()(identity, cb)
	}

	s, err := NewSession(testConfig(t), factory)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := s.Connect(); !errors.Is(err, common.ErrCookieObtainFailed) {
		t.Fatalf("first Connect error = %v, want ErrCookieObtainFailed", err)
	}

	if err := s.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	waitFor(t, "connected", func() bool { return s.Status().State == StateConnected })

	// The failed connection's engine was released when it was replaced.
	if !first.isFreed() {
		t.Error("failed connection's engine was not freed")
	}

	s.Disconnect()
	if !second.isFreed() {
		t.Error("second engine was not freed after Disconnect")
	}
}
