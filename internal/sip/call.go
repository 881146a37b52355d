package sip

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/sebas/rtcbridge/internal/sdp"
)

// callTransport is the slice of the agent a call is allowed to use:
// starting client transactions, sending non-transaction messages, and
// reading the local identity. Calls never hold the agent itself.
type callTransport interface {
	startClientTransaction(req *Message, addr net.Addr) (*Transaction, error)
	sendMessage(msg *Message, addr net.Addr) error
	localIdentity() (localURI *URI, contact string, userAgent string)
}

// Direction distinguishes calls we placed from calls we received.
type Direction int

// Call directions.
const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

func (d Direction) String() string {
	if d == DirectionInbound {
		return "inbound"
	}
	return "outbound"
}

// StateListener observes call state transitions. Listeners run outside
// the call's lock and must not block for long.
type StateListener func(call *Call, from, to CallState)

// Call is one SIP dialog: the INVITE that created it, the tags and
// CSeq space of the dialog, and the negotiated session descriptions.
type Call struct {
	id        string
	direction Direction
	transport callTransport

	mu        sync.Mutex
	state     CallState
	listeners []StateListener

	localURI  *URI
	remoteURI *URI
	localTag  string
	remoteTag string

	localSDP  *sdp.Session
	remoteSDP *sdp.Session

	cseq       uint32
	invite     *Message
	inviteTx   *Transaction
	remoteAddr net.Addr
	endErr     error
}

// newOutgoingCall prepares a call we are about to place.
func newOutgoingCall(transport callTransport, remoteURI *URI, remoteAddr net.Addr) *Call {
	localURI, _, _ := transport.localIdentity()
	return &Call{
		id:         GenerateCallID(),
		direction:  DirectionOutbound,
		transport:  transport,
		state:      CallIdle,
		localURI:   localURI,
		remoteURI:  remoteURI,
		localTag:   GenerateTag(),
		remoteAddr: remoteAddr,
	}
}

// newIncomingCall wraps an inbound INVITE in a call. The caller's tag
// becomes the remote tag; a fresh local tag identifies our side.
func newIncomingCall(transport callTransport, invite *Message, tx *Transaction, peer net.Addr) (*Call, error) {
	localURI, _, _ := transport.localIdentity()

	call := &Call{
		id:         invite.CallID(),
		direction:  DirectionInbound,
		transport:  transport,
		state:      CallProceeding,
		localURI:   localURI,
		remoteURI:  invite.RequestURI,
		localTag:   GenerateTag(),
		remoteTag:  invite.FromTag(),
		invite:     invite,
		inviteTx:   tx,
		remoteAddr: peer,
	}

	if len(invite.Body) > 0 {
		remoteSDP, err := sdp.Parse(invite.Body)
		if err != nil {
			return nil, fmt.Errorf("offer: %w", err)
		}
		call.remoteSDP = remoteSDP
	}

	return call, nil
}

// ID returns the call's Call-ID.
func (c *Call) ID() string { return c.id }

// Direction returns whether the call was placed or received.
func (c *Call) Direction() Direction { return c.direction }

// State returns the call's current state.
func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteURI returns the peer's URI.
func (c *Call) RemoteURI() *URI { return c.remoteURI }

// LocalSDP returns the session description we offered or answered with.
func (c *Call) LocalSDP() *sdp.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localSDP
}

// RemoteSDP returns the peer's session description, once known.
func (c *Call) RemoteSDP() *sdp.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSDP
}

// Err returns the reason a call ended abnormally, if it did.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endErr
}

// OnStateChange registers a state transition listener.
func (c *Call) OnStateChange(fn StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// setState performs a validated transition and fires listeners outside
// the lock. Illegal transitions are refused.
func (c *Call) setState(target CallState) bool {
	c.mu.Lock()
	from := c.state
	if from == target {
		c.mu.Unlock()
		return true
	}
	if !from.CanTransitionTo(target) {
		c.mu.Unlock()
		slog.Warn("[Call] Refusing invalid state transition",
			"call_id", c.id, "from", from.String(), "to", target.String())
		return false
	}
	c.state = target
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	slog.Info("[Call] State changed",
		"call_id", c.id, "from", from.String(), "to", target.String())
	for _, fn := range listeners {
		fn(c, from, target)
	}
	return true
}

// failWith records the abnormal end reason and moves to Disconnected.
func (c *Call) failWith(err error) {
	c.mu.Lock()
	if c.endErr == nil {
		c.endErr = err
	}
	c.mu.Unlock()
	c.setState(CallDisconnected)
}

// dial sends the INVITE and drives the outbound call through its
// provisional and final responses. Runs until the transaction yields a
// final answer or times out.
func (c *Call) dial(localSDP *sdp.Session) error {
	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: dial in state %s", ErrInvalidState, c.state.String())
	}
	c.localSDP = localSDP
	c.cseq = 1
	c.mu.Unlock()

	body, err := localSDP.Marshal()
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}

	invite := c.newDialogRequest(INVITE)
	invite.SetHeader("Content-Type", "application/sdp")
	invite.Body = body

	if !c.setState(CallCalling) {
		return fmt.Errorf("%w: call already ended", ErrInvalidState)
	}

	tx, err := c.transport.startClientTransaction(invite, c.remoteAddr)
	if err != nil {
		c.failWith(err)
		return fmt.Errorf("send INVITE: %w", err)
	}

	c.mu.Lock()
	c.invite = invite
	c.inviteTx = tx
	c.mu.Unlock()

	go c.consumeInviteResponses(tx)
	return nil
}

// consumeInviteResponses walks the INVITE transaction's responses and
// advances the call accordingly.
func (c *Call) consumeInviteResponses(tx *Transaction) {
	for resp := range tx.Responses() {
		switch {
		case resp.StatusCode < 200:
			c.handleProvisional(resp)
		case resp.StatusCode < 300:
			c.handleInviteSuccess(resp)
			return
		default:
			c.failWith(&ResponseError{Code: resp.StatusCode, Reason: resp.Reason})
			return
		}
	}

	// Transaction ended without a final response.
	if err := tx.Err(); err != nil {
		c.failWith(err)
	}
}

func (c *Call) handleProvisional(resp *Message) {
	switch {
	case resp.StatusCode == 180:
		c.setState(CallProceeding)
	case resp.StatusCode == 183 && len(resp.Body) > 0:
		if remoteSDP, err := sdp.Parse(resp.Body); err == nil {
			c.mu.Lock()
			c.remoteSDP = remoteSDP
			c.mu.Unlock()
			c.setState(CallEarlyMedia)
		}
	case resp.StatusCode > 100:
		c.setState(CallProceeding)
	}
}

func (c *Call) handleInviteSuccess(resp *Message) {
	c.mu.Lock()
	c.remoteTag = resp.ToTag()
	c.mu.Unlock()

	if len(resp.Body) > 0 {
		if remoteSDP, err := sdp.Parse(resp.Body); err == nil {
			c.mu.Lock()
			c.remoteSDP = remoteSDP
			c.mu.Unlock()
		} else {
			slog.Warn("[Call] Ignoring malformed answer SDP", "call_id", c.id, "error", err)
		}
	}

	if err := c.sendAck(); err != nil {
		slog.Warn("[Call] Failed to ACK answer", "call_id", c.id, "error", err)
	}
	c.setState(CallConnected)
}

// sendAck acknowledges a 2xx within the dialog. The ACK gets a fresh
// branch: it is its own transaction per RFC 3261 17.1.1.3.
func (c *Call) sendAck() error {
	c.mu.Lock()
	seq := c.cseq
	c.mu.Unlock()

	ack := c.newDialogRequest(ACK)
	ack.SetHeader("CSeq", fmt.Sprintf("%d ACK", seq))
	return c.transport.sendMessage(ack, c.remoteAddr)
}

// Ring sends a 180 Ringing on an inbound call.
func (c *Call) Ring() error {
	c.mu.Lock()
	if c.direction != DirectionInbound || c.inviteTx == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: ring on %s call", ErrInvalidState, c.direction.String())
	}
	if c.state != CallProceeding {
		c.mu.Unlock()
		return fmt.Errorf("%w: ring in state %s", ErrInvalidState, c.state.String())
	}
	tx := c.inviteTx
	c.mu.Unlock()

	resp := c.newInviteResponse(180, "Ringing")
	return tx.Respond(resp)
}

// Accept answers an inbound call with the given session description.
func (c *Call) Accept(localSDP *sdp.Session) error {
	c.mu.Lock()
	if c.direction != DirectionInbound || c.inviteTx == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: accept on %s call", ErrInvalidState, c.direction.String())
	}
	if c.state != CallProceeding && c.state != CallEarlyMedia {
		c.mu.Unlock()
		return fmt.Errorf("%w: accept in state %s", ErrInvalidState, c.state.String())
	}
	c.localSDP = localSDP
	tx := c.inviteTx
	c.mu.Unlock()

	body, err := localSDP.Marshal()
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}

	resp := c.newInviteResponse(200, "OK")
	resp.SetHeader("Content-Type", "application/sdp")
	resp.Body = body

	if err := tx.Respond(resp); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	c.setState(CallConnected)
	return nil
}

// Reject declines an inbound call with a failure response.
func (c *Call) Reject(code int, reason string) error {
	c.mu.Lock()
	if c.direction != DirectionInbound || c.inviteTx == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: reject on %s call", ErrInvalidState, c.direction.String())
	}
	if c.state != CallProceeding && c.state != CallEarlyMedia {
		c.mu.Unlock()
		return fmt.Errorf("%w: reject in state %s", ErrInvalidState, c.state.String())
	}
	tx := c.inviteTx
	c.mu.Unlock()

	resp := c.newInviteResponse(code, reason)
	if err := tx.Respond(resp); err != nil {
		return fmt.Errorf("send rejection: %w", err)
	}
	c.failWith(&ResponseError{Code: code, Reason: reason})
	return nil
}

// Hangup tears the call down by whatever means its state requires:
// BYE when connected, CANCEL on an unanswered outbound INVITE, and a
// 486 on an unanswered inbound one.
func (c *Call) Hangup() error {
	c.mu.Lock()
	state := c.state
	direction := c.direction
	c.mu.Unlock()

	switch state {
	case CallConnected:
		return c.sendBye()
	case CallCalling, CallProceeding, CallEarlyMedia:
		if direction == DirectionOutbound {
			return c.sendCancel()
		}
		return c.Reject(486, "Busy Here")
	case CallDisconnecting, CallDisconnected:
		return nil
	default:
		return fmt.Errorf("%w: hangup in state %s", ErrInvalidState, state.String())
	}
}

func (c *Call) sendBye() error {
	c.mu.Lock()
	c.cseq++
	seq := c.cseq
	c.mu.Unlock()

	bye := c.newDialogRequest(BYE)
	bye.SetHeader("CSeq", fmt.Sprintf("%d BYE", seq))

	if !c.setState(CallDisconnecting) {
		return nil
	}

	tx, err := c.transport.startClientTransaction(bye, c.remoteAddr)
	if err != nil {
		c.failWith(err)
		return fmt.Errorf("send BYE: %w", err)
	}

	go func() {
		// Any final response ends the dialog either way.
		for resp := range tx.Responses() {
			if resp.StatusCode >= 200 {
				break
			}
		}
		c.setState(CallDisconnected)
	}()
	return nil
}

// sendCancel cancels our own pending INVITE. The CANCEL copies the
// INVITE's Via so it matches the same branch at the peer.
func (c *Call) sendCancel() error {
	c.mu.Lock()
	invite := c.invite
	c.mu.Unlock()
	if invite == nil {
		return fmt.Errorf("%w: no INVITE to cancel", ErrInvalidState)
	}

	cancel := NewRequest(CANCEL, invite.RequestURI)
	for _, name := range []string{"Via", "From", "To", "Call-ID"} {
		if v, ok := invite.GetHeader(name); ok {
			cancel.SetHeader(name, v)
		}
	}
	if seq, _, err := invite.CSeq(); err == nil {
		cancel.SetHeader("CSeq", fmt.Sprintf("%d CANCEL", seq))
	}
	cancel.SetHeader("Max-Forwards", "70")

	if !c.setState(CallDisconnecting) {
		return nil
	}

	if err := c.transport.sendMessage(cancel, c.remoteAddr); err != nil {
		c.failWith(err)
		return fmt.Errorf("send CANCEL: %w", err)
	}

	c.mu.Lock()
	if c.endErr == nil {
		c.endErr = ErrCallCanceled
	}
	c.mu.Unlock()
	return nil
}

// handleBye processes an in-dialog BYE from the peer.
func (c *Call) handleBye(tx *Transaction) {
	resp := NewResponse(tx.Request(), 200, "OK")
	resp.SetToTag(c.localTag)
	if err := tx.Respond(resp); err != nil {
		slog.Warn("[Call] Failed to answer BYE", "call_id", c.id, "error", err)
	}

	c.setState(CallDisconnecting)
	c.setState(CallDisconnected)
}

// handleCancel processes a CANCEL of our pending inbound INVITE: the
// CANCEL gets a 200 and the INVITE transaction a 487.
func (c *Call) handleCancel(tx *Transaction) {
	resp := NewResponse(tx.Request(), 200, "OK")
	resp.SetToTag(c.localTag)
	if err := tx.Respond(resp); err != nil {
		slog.Warn("[Call] Failed to answer CANCEL", "call_id", c.id, "error", err)
	}

	c.mu.Lock()
	inviteTx := c.inviteTx
	answered := c.state == CallConnected
	c.mu.Unlock()

	// A CANCEL that raced a 200 loses; the dialog stands.
	if answered {
		return
	}

	if inviteTx != nil {
		terminated := c.newInviteResponse(487, "Request Terminated")
		if err := inviteTx.Respond(terminated); err != nil {
			slog.Debug("[Call] Failed to send 487", "call_id", c.id, "error", err)
		}
	}
	c.failWith(ErrCallCanceled)
}

// handleAck absorbs the ACK that confirms our 200 on an inbound call.
func (c *Call) handleAck(tx *Transaction) {
	if tx != nil {
		tx.HandleAck()
	}
}

// newDialogRequest builds an in-dialog request with the dialog's
// identity headers. The default CSeq covers the INVITE; in-dialog
// requests override it.
func (c *Call) newDialogRequest(method Method) *Message {
	c.mu.Lock()
	remoteTag := c.remoteTag
	seq := c.cseq
	c.mu.Unlock()

	_, contact, userAgent := c.transport.localIdentity()

	req := NewRequest(method, c.remoteURI)
	req.SetHeader("Via", fmt.Sprintf("SIP/2.0/UDP %s;branch=%s", c.localURI.HostPort(), GenerateBranch()))
	req.SetHeader("Max-Forwards", "70")
	req.SetHeader("From", fmt.Sprintf("<%s>;tag=%s", c.localURI.String(), c.localTag))
	if remoteTag != "" {
		req.SetHeader("To", fmt.Sprintf("<%s>;tag=%s", c.remoteURI.String(), remoteTag))
	} else {
		req.SetHeader("To", fmt.Sprintf("<%s>", c.remoteURI.String()))
	}
	req.SetHeader("Call-ID", c.id)
	req.SetHeader("CSeq", fmt.Sprintf("%d %s", seq, method))
	req.SetHeader("Contact", contact)
	req.SetHeader("User-Agent", userAgent)
	return req
}

// newInviteResponse builds a response to the stored inbound INVITE
// carrying our To tag and Contact.
func (c *Call) newInviteResponse(code int, reason string) *Message {
	_, contact, userAgent := c.transport.localIdentity()

	resp := NewResponse(c.invite, code, reason)
	resp.SetToTag(c.localTag)
	resp.SetHeader("Contact", contact)
	resp.SetHeader("User-Agent", userAgent)
	return resp
}
