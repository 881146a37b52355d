package sip

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sebas/rtcbridge/internal/sdp"
	"github.com/sebas/rtcbridge/internal/store"
	"github.com/sebas/rtcbridge/internal/transport"
)

// terminatedTxTTL keeps just-terminated transactions around long
// enough to absorb straggling retransmissions.
const terminatedTxTTL = 32 * time.Second

// IncomingCallHandler is invoked for each new inbound call, after the
// agent has sent 100 Trying. The handler decides to Ring/Accept/Reject.
type IncomingCallHandler func(call *Call)

// AgentConfig configures an Agent.
type AgentConfig struct {
	// Socket is the UDP endpoint all signaling flows over.
	Socket transport.Socket

	// LocalURI is our address of record.
	LocalURI *URI

	// Contact is the Contact header value advertised in dialogs and
	// registrations.
	Contact string

	// UserAgent is the User-Agent header value.
	UserAgent string

	// RegisterExpires is the registration lifetime to request
	// (0 = default).
	RegisterExpires time.Duration
}

// Agent is the SIP user agent: it owns the socket, parses and routes
// every message to the matching transaction, call or registration, and
// answers requests nothing else claims.
type Agent struct {
	cfg AgentConfig

	mu            sync.Mutex
	calls         map[string]*Call
	registrations map[string]*Registration
	transactions  map[string]*Transaction
	onIncoming    IncomingCallHandler
	started       bool
	stopped       bool

	// terminatedTx absorbs retransmissions aimed at transactions that
	// already finished, by resending their last response.
	terminatedTx *store.TTLStore[string, *Transaction]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAgent creates an agent over the given socket.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Socket == nil {
		return nil, errors.New("agent requires a socket")
	}
	if cfg.LocalURI == nil {
		return nil, errors.New("agent requires a local URI")
	}
	if cfg.Contact == "" {
		cfg.Contact = fmt.Sprintf("<%s>", cfg.LocalURI.String())
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "rtcbridge"
	}

	return &Agent{
		cfg:           cfg,
		calls:         make(map[string]*Call),
		registrations: make(map[string]*Registration),
		transactions:  make(map[string]*Transaction),
		terminatedTx:  store.NewTTLStore[string, *Transaction](10 * time.Second),
		stopCh:        make(chan struct{}),
	}, nil
}

// OnIncomingCall registers the inbound call handler. Calls arriving
// with no handler set are rejected with 480.
func (a *Agent) OnIncomingCall(h IncomingCallHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onIncoming = h
}

// LocalURI returns the agent's address of record.
func (a *Agent) LocalURI() *URI { return a.cfg.LocalURI }

// Start launches the receive loop.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return ErrAgentStopped
	}
	if a.started {
		return nil
	}
	a.started = true

	a.wg.Add(1)
	go a.readLoop()

	slog.Info("[SIPAgent] Started",
		"local", a.cfg.Socket.LocalAddr().String(), "uri", a.cfg.LocalURI.String())
	return nil
}

// Stop unregisters all bindings, hangs up all calls and shuts the
// agent down. Failures during teardown are logged, not returned.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	started := a.started
	registrations := make([]*Registration, 0, len(a.registrations))
	for _, r := range a.registrations {
		registrations = append(registrations, r)
	}
	calls := make([]*Call, 0, len(a.calls))
	for _, c := range a.calls {
		calls = append(calls, c)
	}
	a.mu.Unlock()

	for _, r := range registrations {
		r.stop()
		if r.State() == RegistrationRegistered {
			if err := r.Unregister(); err != nil {
				slog.Warn("[SIPAgent] Failed to unregister during shutdown",
					"registrar", r.Registrar().String(), "error", err)
			}
		}
	}
	for _, c := range calls {
		if err := c.Hangup(); err != nil {
			slog.Warn("[SIPAgent] Failed to hang up during shutdown",
				"call_id", c.ID(), "error", err)
		}
	}

	close(a.stopCh)
	_ = a.cfg.Socket.Close()
	if started {
		a.wg.Wait()
	}
	a.terminatedTx.Close()

	a.mu.Lock()
	a.calls = make(map[string]*Call)
	a.registrations = make(map[string]*Registration)
	a.transactions = make(map[string]*Transaction)
	a.mu.Unlock()

	slog.Info("[SIPAgent] Stopped")
	return nil
}

// Dial places an outbound call to the given URI with the given offer.
// Listeners are registered on the call before the INVITE is sent, so
// even an immediate final response cannot slip past them.
func (a *Agent) Dial(remote *URI, localSDP *sdp.Session, listeners ...StateListener) (*Call, error) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil, ErrAgentStopped
	}
	a.mu.Unlock()

	addr, err := transport.Resolve(remote.HostPort())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", remote.HostPort(), err)
	}

	call := newOutgoingCall(a, remote, addr)
	for _, fn := range listeners {
		call.OnStateChange(fn)
	}
	a.trackCall(call)

	if err := call.dial(localSDP); err != nil {
		return nil, err
	}
	return call, nil
}

// Call returns the active call with the given Call-ID.
func (a *Agent) Call(callID string) (*Call, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[callID]
	return c, ok
}

// CallCount returns the number of active calls.
func (a *Agent) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// CreateRegistration returns the registration for the given registrar,
// creating it on first use. Repeat calls for the same registrar return
// the same binding.
func (a *Agent) CreateRegistration(registrar *URI) (*Registration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil, ErrAgentStopped
	}

	key := registrar.canonicalKey()
	if existing, ok := a.registrations[key]; ok {
		return existing, nil
	}

	addr, err := transport.Resolve(registrar.HostPort())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", registrar.HostPort(), err)
	}

	reg := newRegistration(a, registrar, addr, a.cfg.RegisterExpires)
	a.registrations[key] = reg
	return reg, nil
}

// trackCall registers a call and arranges its removal exactly once,
// when it reaches Disconnected.
func (a *Agent) trackCall(call *Call) {
	call.OnStateChange(func(c *Call, _, to CallState) {
		if to != CallDisconnected {
			return
		}
		a.mu.Lock()
		delete(a.calls, c.ID())
		a.mu.Unlock()
	})

	a.mu.Lock()
	a.calls[call.ID()] = call
	a.mu.Unlock()
}

// readLoop receives datagrams and dispatches them. Parse failures are
// logged and dropped; only a closed socket ends the loop.
func (a *Agent) readLoop() {
	defer a.wg.Done()

	buf := make([]byte, 65535)
	for {
		n, from, err := a.cfg.Socket.ReadFrom(buf)
		if err != nil {
			select {
			case <-a.stopCh:
				return
			default:
			}
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("[SIPAgent] Read error", "error", err)
			continue
		}

		msg, err := Parse(buf[:n])
		if err != nil {
			slog.Debug("[SIPAgent] Dropping unparseable message", "error", err, "from", from.String())
			continue
		}
		a.handleMessage(msg, from)
	}
}

func (a *Agent) handleMessage(msg *Message, from net.Addr) {
	if msg.IsResponse() {
		a.handleResponse(msg)
		return
	}
	a.handleRequest(msg, from)
}

// handleResponse routes a response to its client transaction by the
// topmost Via branch and CSeq method.
func (a *Agent) handleResponse(resp *Message) {
	_, method, err := resp.CSeq()
	if err != nil {
		slog.Debug("[SIPAgent] Dropping response without CSeq")
		return
	}

	key := transactionID(resp.ViaBranch(), method)
	a.mu.Lock()
	tx, ok := a.transactions[key]
	a.mu.Unlock()

	if !ok {
		slog.Debug("[SIPAgent] Dropping response for unknown transaction",
			"code", resp.StatusCode, "method", string(method))
		return
	}
	tx.HandleResponse(resp)
}

func (a *Agent) handleRequest(req *Message, from net.Addr) {
	branch := req.ViaBranch()

	// Retransmission of a request we are still (or recently were)
	// answering: resend the last response.
	key := transactionID(branch, req.Method)
	a.mu.Lock()
	existing, active := a.transactions[key]
	a.mu.Unlock()
	if active && existing.role == RoleServer {
		existing.HandleRetransmission()
		return
	}
	if old, ok := a.terminatedTx.Get(key); ok {
		old.HandleRetransmission()
		return
	}

	switch req.Method {
	case INVITE:
		a.handleInvite(req, from)
	case ACK:
		a.handleAckRequest(req)
	case BYE:
		a.handleInDialog(req, from, (*Call).handleBye)
	case CANCEL:
		a.handleInDialog(req, from, (*Call).handleCancel)
	default:
		a.rejectRequest(req, from, 405, "Method Not Allowed")
	}
}

// handleInvite accepts a new inbound call. An INVITE reusing an active
// dialog's Call-ID is a session change we do not negotiate.
func (a *Agent) handleInvite(req *Message, from net.Addr) {
	tx := a.createServerTransaction(req, from)

	a.mu.Lock()
	_, exists := a.calls[req.CallID()]
	handler := a.onIncoming
	stopped := a.stopped
	a.mu.Unlock()

	if stopped {
		a.respondOn(tx, req, 503, "Service Unavailable")
		return
	}
	if exists {
		a.respondOn(tx, req, 488, "Not Acceptable Here")
		return
	}
	if handler == nil {
		a.respondOn(tx, req, 480, "Temporarily Unavailable")
		return
	}

	call, err := newIncomingCall(a, req, tx, from)
	if err != nil {
		slog.Warn("[SIPAgent] Rejecting INVITE with bad offer", "call_id", req.CallID(), "error", err)
		a.respondOn(tx, req, 400, "Bad Request")
		return
	}

	a.trackCall(call)

	trying := NewResponse(req, 100, "Trying")
	trying.SetToTag(call.localTag)
	if err := tx.Respond(trying); err != nil {
		slog.Warn("[SIPAgent] Failed to send 100 Trying", "call_id", call.ID(), "error", err)
	}

	slog.Info("[SIPAgent] Incoming call",
		"call_id", call.ID(), "from", from.String())
	handler(call)
}

// handleAckRequest routes an ACK. An ACK for a non-2xx final response
// shares the INVITE's branch; one for a 2xx belongs to the dialog.
func (a *Agent) handleAckRequest(req *Message) {
	key := transactionID(req.ViaBranch(), INVITE)
	a.mu.Lock()
	tx, ok := a.transactions[key]
	call, haveCall := a.calls[req.CallID()]
	a.mu.Unlock()

	if ok {
		tx.HandleAck()
		return
	}
	if haveCall {
		call.mu.Lock()
		inviteTx := call.inviteTx
		call.mu.Unlock()
		call.handleAck(inviteTx)
	}
}

// handleInDialog routes BYE and CANCEL to their call, answering 481
// when no dialog matches.
func (a *Agent) handleInDialog(req *Message, from net.Addr, deliver func(*Call, *Transaction)) {
	tx := a.createServerTransaction(req, from)

	a.mu.Lock()
	call, ok := a.calls[req.CallID()]
	a.mu.Unlock()

	if !ok {
		a.respondOn(tx, req, 481, "Call/Transaction Does Not Exist")
		return
	}
	deliver(call, tx)
}

// rejectRequest answers a request with a failure response through a
// fresh server transaction.
func (a *Agent) rejectRequest(req *Message, from net.Addr, code int, reason string) {
	tx := a.createServerTransaction(req, from)
	a.respondOn(tx, req, code, reason)
}

// respondOn sends a simple final response, advertising Allow on 405.
func (a *Agent) respondOn(tx *Transaction, req *Message, code int, reason string) {
	resp := NewResponse(req, code, reason)
	if code == 405 {
		resp.SetHeader("Allow", AllowedMethods)
	}
	resp.SetHeader("User-Agent", a.cfg.UserAgent)
	a.ensureToTag(resp)
	if err := tx.Respond(resp); err != nil {
		slog.Debug("[SIPAgent] Failed to send response", "code", code, "error", err)
	}
}

// ensureToTag guarantees every response we originate carries a To tag.
func (a *Agent) ensureToTag(resp *Message) {
	if resp.ToTag() == "" {
		resp.SetToTag(GenerateTag())
	}
}

// createServerTransaction builds and tracks a server transaction.
func (a *Agent) createServerTransaction(req *Message, from net.Addr) *Transaction {
	tx := newServerTransaction(req, from, a.writeMessage, a.untrackTransaction)

	a.mu.Lock()
	a.transactions[tx.ID()] = tx
	a.mu.Unlock()
	return tx
}

// untrackTransaction moves a terminated transaction into the TTL store
// so late retransmissions still get the final response.
func (a *Agent) untrackTransaction(tx *Transaction) {
	a.mu.Lock()
	delete(a.transactions, tx.ID())
	a.mu.Unlock()

	if tx.role == RoleServer {
		a.terminatedTx.Set(tx.ID(), tx, terminatedTxTTL)
	}
}

// writeMessage serializes and sends one message.
func (a *Agent) writeMessage(msg *Message, addr net.Addr) error {
	data := msg.Marshal()
	if _, err := a.cfg.Socket.WriteTo(data, addr); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// startClientTransaction implements callTransport.
func (a *Agent) startClientTransaction(req *Message, addr net.Addr) (*Transaction, error) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil, ErrAgentStopped
	}
	a.mu.Unlock()

	tx, err := newClientTransaction(req, addr, a.writeMessage, a.untrackTransaction)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.transactions[tx.ID()] = tx
	a.mu.Unlock()
	return tx, nil
}

// sendMessage implements callTransport.
func (a *Agent) sendMessage(msg *Message, addr net.Addr) error {
	return a.writeMessage(msg, addr)
}

// localIdentity implements callTransport.
func (a *Agent) localIdentity() (*URI, string, string) {
	return a.cfg.LocalURI, a.cfg.Contact, a.cfg.UserAgent
}
