// Package vpn provides the connection lifecycle engine for the
// OpenConnect client. This file is the callback translation layer: it
// converts the engine's native callback payloads into event model
// values, consults the session's handlers, and pushes results back into
// the engine's structures.
package vpn

import (
	"fmt"
	"strings"

	"github.com/openconnect-go/client/common"
)

// handleProgress forwards engine log output to the session's log
// observers with the severity mapped and the trailing newline stripped.
func (c *Connection) handleProgress(level int, message string) {
	c.sink.logMessage(LogLevelFromSeverity(level), strings.TrimSuffix(message, "\n"))
}

// handlePeerCert wraps a certificate validation challenge and blocks on
// the session's decision. A rejection is recorded so the eventual
// Disconnected status names the real cause.
func (c *Connection) handlePeerCert(reason, hostname string, der []byte) bool {
	info := CertificateInfo{Reason: reason, Hostname: hostname, DER: der}
	if c.sink.certificateCheck(info) {
		return true
	}
	c.recordError(fmt.Errorf("%w: %s", common.ErrCertificateValidationFailed, reason))
	return false
}

// handleAuthForm translates an engine-native authentication form,
// pre-fills configured credentials, blocks on the session's handler,
// and writes the populated values back field by field in the original
// order.
func (c *Connection) handleAuthForm(ef *EngineForm) error {
	form := translateEngineForm(ef)
	c.prefillCredentials(form)

	if err := c.sink.fillAuthForm(form); err != nil {
		c.recordError(err)
		return err
	}
	return applyAuthForm(ef, form)
}

// handleReconnected reflects an engine-reported re-establishment:
// Reconnecting flips back to Connected and the reported counters are
// folded into the cumulative base, since the engine restarts its own
// counters on a fresh link.
func (c *Connection) handleReconnected() {
	c.mu.Lock()
	c.base = c.base.add(c.reported)
	c.reported = Stats{}
	notify := false
	var st Status
	if c.status.State == StateReconnecting {
		c.status = Status{State: StateConnected}
		st, notify = c.status, true
	}
	c.mu.Unlock()

	if notify {
		c.sink.statusChanged(st)
	}
	c.sink.reconnected()
}

// handleStats folds the engine's per-link counters into the cumulative
// totals and forwards them. Only ever triggered by an explicit stats
// command.
func (c *Connection) handleStats(s Stats) {
	c.mu.Lock()
	c.reported = s
	total := c.base.add(s)
	c.mu.Unlock()
	c.sink.statsReceived(total)
}

// handleTunSetup services the engine's mid-handshake request for
// interface configuration by resolving the network script and handing
// it to the engine. Success is the transition to Connected.
func (c *Connection) handleTunSetup() error {
	script, err := LocateScript(c.cfg.ScriptPath)
	if err != nil {
		c.recordError(err)
		return err
	}

	if err := c.engine.SetupTunDevice(script, c.cfg.Interface); err != nil {
		werr := fmt.Errorf("%w: %v", common.ErrTunSetupFailed, err)
		c.recordError(werr)
		return werr
	}

	c.mu.Lock()
	notify := false
	var st Status
	if c.status.State == StateConnecting {
		c.status = Status{State: StateConnected}
		c.ifname = c.engine.InterfaceName()
		st, notify = c.status, true
	}
	c.mu.Unlock()
	if notify {
		c.sink.statusChanged(st)
	}
	return nil
}

// prefillCredentials seeds username and password fields from the
// configuration before the handler sees the form.
func (c *Connection) prefillCredentials(form *AuthForm) {
	for i := range form.Fields {
		f := &form.Fields[i]
		if f.Value != "" {
			continue
		}
		switch {
		case f.Kind == FieldText && (f.ID == "username" || f.ID == "user"):
			f.Value = c.cfg.Username
		case f.Kind == FieldPassword && f.ID == "password":
			f.Value = c.cfg.Password
		}
	}
}

// translateEngineForm maps the engine's native form representation to
// the event model. Field order and count are preserved exactly; an
// unrecognized field type degrades to a text field rather than being
// dropped.
func translateEngineForm(ef *EngineForm) *AuthForm {
	form := &AuthForm{
		Title:   ef.Banner,
		Message: ef.Message,
		Fields:  make([]AuthField, 0, len(ef.Fields)),
	}
	for _, field := range ef.Fields {
		af := AuthField{
			ID:       field.Name,
			Label:    field.Label,
			Value:    field.Value,
			Required: field.Required,
		}
		switch field.Type {
		case EngineFieldPassword:
			af.Kind = FieldPassword
		case EngineFieldHidden:
			af.Kind = FieldHidden
		case EngineFieldSelect:
			af.Kind = FieldSelect
			if field.Select != nil {
				af.Options = append([]string(nil), field.Select.Options...)
			}
		default:
			af.Kind = FieldText
		}
		form.Fields = append(form.Fields, af)
	}
	return form
}

// applyAuthForm writes the populated values back into the engine's
// native structure, one per field in original order.
func applyAuthForm(ef *EngineForm, form *AuthForm) error {
	if len(ef.Fields) != len(form.Fields) {
		return fmt.Errorf("%w: form field count changed from %d to %d",
			common.ErrAuthenticationFailed, len(ef.Fields), len(form.Fields))
	}
	for i, field := range form.Fields {
		ef.Fields[i].Value = field.Value
	}
	return nil
}
