package sip

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultRegisterExpires is the registration lifetime requested when
// the agent config leaves it zero.
const DefaultRegisterExpires = 3600 * time.Second

// Registration binds our contact at one registrar. All REGISTER
// requests for the binding share one Call-ID and a monotonic CSeq, and
// a successful registration schedules its own refresh at half the
// granted lifetime.
type Registration struct {
	registrar     *URI
	registrarAddr net.Addr
	transport     callTransport

	mu           sync.Mutex
	state        RegistrationState
	expires      time.Duration
	cseq         uint32
	callID       string
	refreshTimer *time.Timer
	failure      error
}

func newRegistration(transport callTransport, registrar *URI, addr net.Addr, expires time.Duration) *Registration {
	if expires <= 0 {
		expires = DefaultRegisterExpires
	}
	return &Registration{
		registrar:     registrar,
		registrarAddr: addr,
		transport:     transport,
		state:         RegistrationNone,
		expires:       expires,
		callID:        GenerateCallID(),
	}
}

// Registrar returns the registrar this binding targets.
func (r *Registration) Registrar() *URI { return r.registrar }

// State returns the registration's current state.
func (r *Registration) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the failure reason when the registration is Failed.
func (r *Registration) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// setState performs a validated transition.
func (r *Registration) setState(target RegistrationState) bool {
	r.mu.Lock()
	from := r.state
	if from == target {
		r.mu.Unlock()
		return true
	}
	if !from.CanTransitionTo(target) {
		r.mu.Unlock()
		slog.Warn("[Registration] Refusing invalid state transition",
			"registrar", r.registrar.String(), "from", from.String(), "to", target.String())
		return false
	}
	r.state = target
	r.mu.Unlock()

	slog.Info("[Registration] State changed",
		"registrar", r.registrar.String(), "from", from.String(), "to", target.String())
	return true
}

// Register sends a REGISTER and waits for its outcome. On success the
// binding refreshes itself at half the granted lifetime until
// Unregister is called.
func (r *Registration) Register() error {
	if !r.setState(RegistrationRegistering) {
		return fmt.Errorf("%w: register in state %s", ErrInvalidState, r.State().String())
	}
	return r.sendRegister(r.expires)
}

// Unregister removes the binding by registering with Expires: 0.
func (r *Registration) Unregister() error {
	r.mu.Lock()
	if r.refreshTimer != nil {
		r.refreshTimer.Stop()
		r.refreshTimer = nil
	}
	r.mu.Unlock()

	if !r.setState(RegistrationUnregistering) {
		return fmt.Errorf("%w: unregister in state %s", ErrInvalidState, r.State().String())
	}
	return r.sendRegister(0)
}

// sendRegister issues one REGISTER with the given lifetime and applies
// the outcome to the state machine.
func (r *Registration) sendRegister(expires time.Duration) error {
	r.mu.Lock()
	r.cseq++
	seq := r.cseq
	callID := r.callID
	r.mu.Unlock()

	localURI, contact, userAgent := r.transport.localIdentity()
	aor := localURI

	req := NewRequest(REGISTER, r.registrar)
	req.SetHeader("Via", fmt.Sprintf("SIP/2.0/UDP %s;branch=%s", localURI.HostPort(), GenerateBranch()))
	req.SetHeader("Max-Forwards", "70")
	req.SetHeader("From", fmt.Sprintf("<%s>;tag=%s", aor.String(), GenerateTag()))
	req.SetHeader("To", fmt.Sprintf("<%s>", aor.String()))
	req.SetHeader("Call-ID", callID)
	req.SetHeader("CSeq", fmt.Sprintf("%d REGISTER", seq))
	req.SetHeader("Contact", contact)
	req.SetHeader("Expires", strconv.Itoa(int(expires.Seconds())))
	req.SetHeader("User-Agent", userAgent)

	tx, err := r.transport.startClientTransaction(req, r.registrarAddr)
	if err != nil {
		r.fail(err)
		return fmt.Errorf("send REGISTER: %w", err)
	}

	go r.consumeResponses(tx, expires)
	return nil
}

func (r *Registration) consumeResponses(tx *Transaction, requested time.Duration) {
	for resp := range tx.Responses() {
		if resp.StatusCode < 200 {
			continue
		}
		if resp.StatusCode < 300 {
			r.handleSuccess(resp, requested)
		} else {
			r.fail(&ResponseError{Code: resp.StatusCode, Reason: resp.Reason})
		}
		return
	}
	if err := tx.Err(); err != nil {
		r.fail(err)
	}
}

func (r *Registration) handleSuccess(resp *Message, requested time.Duration) {
	if requested == 0 {
		r.setState(RegistrationUnregistered)
		return
	}

	granted := requested
	if v, ok := resp.GetHeader("Expires"); ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			granted = time.Duration(secs) * time.Second
		}
	}

	if !r.setState(RegistrationRegistered) {
		return
	}

	r.mu.Lock()
	if r.refreshTimer != nil {
		r.refreshTimer.Stop()
	}
	r.refreshTimer = time.AfterFunc(granted/2, r.refresh)
	r.mu.Unlock()

	slog.Info("[Registration] Registered",
		"registrar", r.registrar.String(), "expires", granted.String())
}

// refresh re-registers before the binding lapses.
func (r *Registration) refresh() {
	if r.State() != RegistrationRegistered {
		return
	}
	if !r.setState(RegistrationRegistering) {
		return
	}
	if err := r.sendRegister(r.expires); err != nil {
		slog.Warn("[Registration] Refresh failed",
			"registrar", r.registrar.String(), "error", err)
	}
}

func (r *Registration) fail(err error) {
	r.mu.Lock()
	r.failure = err
	if r.refreshTimer != nil {
		r.refreshTimer.Stop()
		r.refreshTimer = nil
	}
	r.mu.Unlock()

	r.setState(RegistrationFailed)
	slog.Warn("[Registration] Failed", "registrar", r.registrar.String(), "error", err)
}

// stop cancels the refresh timer without touching state.
func (r *Registration) stop() {
	r.mu.Lock()
	if r.refreshTimer != nil {
		r.refreshTimer.Stop()
		r.refreshTimer = nil
	}
	r.mu.Unlock()
}
