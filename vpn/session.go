// Package vpn provides the connection lifecycle engine for the
// OpenConnect client. This file contains the Session type, the single
// public entry point coordinating at most one connection at a time.
package vpn

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openconnect-go/client/common"
	"github.com/openconnect-go/client/config"
)

// CertificateHandler decides whether to trust a server certificate that
// failed validation. It blocks the handshake until it returns.
type CertificateHandler func(CertificateInfo) bool

// AuthFormHandler fills an authentication form in place. It blocks the
// handshake until it returns; a non-nil error aborts the connection.
type AuthFormHandler func(*AuthForm) error

// Session is the public coordinator of the connection lifecycle. It
// owns zero or one Connection at a time, enforces the single-connection
// invariant, and fans engine-originated events out to registered
// observers. Observers may be invoked from the goroutine that called
// Connect or from the connection's worker goroutine; they must not
// assume either.
type Session struct {
	cfg     *config.Config
	factory EngineFactory

	mu   sync.Mutex
	conn *Connection

	cbMu         sync.RWMutex
	statusObs    map[string]func(Status)
	logObs       map[string]func(LogLevel, string)
	reconnObs    map[string]func()
	statsObs     map[string]func(Stats)
	disconnObs   map[string]func(error)
	certHandler  CertificateHandler
	authHandler  AuthFormHandler
}

// NewSession creates a session for the given configuration and engine
// factory. The configuration is validated once here and treated as
// immutable afterwards.
func NewSession(cfg *config.Config, factory EngineFactory) (*Session, error) {
	if cfg == nil {
		return nil, common.WrapError(common.ErrInvalidConfiguration, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, common.WrapError(common.ErrNotInitialized, "engine factory is required")
	}

	return &Session{
		cfg:        cfg,
		factory:    factory,
		statusObs:  make(map[string]func(Status)),
		logObs:     make(map[string]func(LogLevel, string)),
		reconnObs:  make(map[string]func()),
		statsObs:   make(map[string]func(Stats)),
		disconnObs: make(map[string]func(error)),
	}, nil
}

// Config returns the immutable configuration the session was created with.
func (s *Session) Config() *config.Config {
	return s.cfg
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return Status{State: StateDisconnected}
	}
	return conn.Status()
}

// InterfaceName returns the assigned tunnel interface name. The second
// return is false until the connection has reached Connected.
func (s *Session) InterfaceName() (string, bool) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return "", false
	}
	return conn.InterfaceName()
}

// Connect establishes a new connection. It fails with
// common.ErrAlreadyConnected, without side effects, if a connection is
// already active. The call blocks through the handshake stages and may
// invoke any number of status, log, certificate, and auth observers
// before returning; only the traffic mainloop runs asynchronously.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.conn != nil {
		if s.conn.State() != StateDisconnected {
			s.mu.Unlock()
			return common.ErrAlreadyConnected
		}
		s.conn.release()
		s.conn = nil
	}

	conn, err := newConnection(s.cfg, s.factory, s)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !conn.begin() {
		// Fresh connections start Disconnected; this cannot happen.
		conn.release()
		s.mu.Unlock()
		return common.ErrAlreadyConnected
	}
	s.conn = conn
	s.mu.Unlock()

	// Fan out the initial Connecting status now that no lock is held.
	s.statusChanged(conn.Status())

	common.LogInfo("connecting to %s", s.cfg.Server)
	if err := conn.establish(); err != nil {
		common.LogError("connection to %s failed: %v", s.cfg.Server, err)
		return err
	}
	return nil
}

// Disconnect terminates the active connection, if any, and releases it.
// It is idempotent and always results in a clean Disconnected status
// for user-initiated shutdown, even when the bounded worker wait times
// out.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}
	conn.disconnect()
	conn.release()
	common.LogInfo("disconnected from %s", s.cfg.Server)
}

// RequestStats asks the mainloop to report traffic counters. It returns
// false immediately when not connected; true means the command was
// accepted for delivery, with the counters arriving asynchronously via
// the stats observers.
func (s *Session) RequestStats() bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.requestStats()
}

// Observer registration. Each On* call returns a token for Unsubscribe.

// OnStatusChange registers an observer for status transitions.
func (s *Session) OnStatusChange(fn func(Status)) string {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	id := uuid.NewString()
	s.statusObs[id] = fn
	return id
}

// OnLogMessage registers an observer for engine log output.
func (s *Session) OnLogMessage(fn func(LogLevel, string)) string {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	id := uuid.NewString()
	s.logObs[id] = fn
	return id
}

// OnReconnected registers an observer for engine re-establishment.
func (s *Session) OnReconnected(fn func()) string {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	id := uuid.NewString()
	s.reconnObs[id] = fn
	return id
}

// OnStats registers an observer for requested traffic statistics.
func (s *Session) OnStats(fn func(Stats)) string {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	id := uuid.NewString()
	s.statsObs[id] = fn
	return id
}

// OnDisconnect registers an observer for terminal disconnections. The
// reason is nil for user-initiated disconnects.
func (s *Session) OnDisconnect(fn func(error)) string {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	id := uuid.NewString()
	s.disconnObs[id] = fn
	return id
}

// Unsubscribe removes a previously registered observer. Unknown tokens
// are ignored.
func (s *Session) Unsubscribe(id string) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	delete(s.statusObs, id)
	delete(s.logObs, id)
	delete(s.reconnObs, id)
	delete(s.statsObs, id)
	delete(s.disconnObs, id)
}

// SetCertificateHandler sets the blocking certificate trust handler.
// Without one, certificates that fail validation are accepted only when
// the configuration allows insecure certificates.
func (s *Session) SetCertificateHandler(h CertificateHandler) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.certHandler = h
}

// SetAuthFormHandler sets the blocking authentication form handler.
// Without one, a form proceeds only when every required visible field
// already carries a value (for example from configured credentials);
// otherwise the connection fails fast instead of deferring an empty
// form to the server.
func (s *Session) SetAuthFormHandler(h AuthFormHandler) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.authHandler = h
}

// eventSink implementation. Fan-out always happens after the
// authoritative state write and outside the connection lock, so an
// observer calling back into the session cannot deadlock.

func (s *Session) statusChanged(st Status) {
	for _, fn := range snapshot(&s.cbMu, s.statusObs) {
		fn(st)
	}
}

func (s *Session) logMessage(level LogLevel, msg string) {
	for _, fn := range snapshot(&s.cbMu, s.logObs) {
		fn(level, msg)
	}
}

func (s *Session) reconnected() {
	for _, fn := range snapshot(&s.cbMu, s.reconnObs) {
		fn()
	}
}

func (s *Session) statsReceived(stats Stats) {
	for _, fn := range snapshot(&s.cbMu, s.statsObs) {
		fn(stats)
	}
}

func (s *Session) disconnectReason(err error) {
	for _, fn := range snapshot(&s.cbMu, s.disconnObs) {
		fn(err)
	}
}

func (s *Session) certificateCheck(info CertificateInfo) bool {
	s.cbMu.RLock()
	h := s.certHandler
	s.cbMu.RUnlock()
	if h != nil {
		return h(info)
	}
	if s.cfg.AllowInsecure {
		common.LogWarn("accepting unverified certificate for %s: %s", info.Hostname, info.Reason)
		return true
	}
	return false
}

func (s *Session) fillAuthForm(form *AuthForm) error {
	s.cbMu.RLock()
	h := s.authHandler
	s.cbMu.RUnlock()
	if h != nil {
		return h(form)
	}
	for _, f := range form.Fields {
		if f.Required && f.Value == "" && f.Kind != FieldHidden {
			return fmt.Errorf("%w: no auth handler registered and field %q is empty",
				common.ErrAuthenticationFailed, f.ID)
		}
	}
	return nil
}

// snapshot copies an observer table under the read lock so callbacks
// run without it.
func snapshot[T any](mu *sync.RWMutex, m map[string]T) []T {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
