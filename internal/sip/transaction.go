package sip

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// RFC 3261 timer values. T1 is the round-trip estimate; Timer B and F
// bound the transaction lifetime at 64*T1.
const (
	TimerT1 = 500 * time.Millisecond
	TimerT2 = 4 * time.Second
	TimerB  = 64 * TimerT1
	TimerD  = 32 * time.Second
	TimerJ  = 64 * TimerT1
)

// Role distinguishes client from server transactions.
type Role int

// Transaction roles.
const (
	RoleClient Role = iota
	RoleServer
)

// sendFunc writes a message to a destination. Injected so transactions
// never hold a reference back to the agent.
type sendFunc func(msg *Message, addr net.Addr) error

// Transaction is one RFC 3261 transaction: a request, its
// retransmissions, and the responses it provokes. Client transactions
// deliver responses on Responses(); server transactions send responses
// through Respond().
type Transaction struct {
	id       string
	role     Role
	method   Method
	isInvite bool

	mu           sync.Mutex
	state        TransactionState
	request      *Message
	lastResponse *Message
	peer         net.Addr
	err          error

	send         sendFunc
	onTerminated func(*Transaction)

	responses chan *Message
	done      chan struct{}

	retransmitTimer *time.Timer
	lifetimeTimer   *time.Timer
	lingerTimer     *time.Timer
}

// transactionID builds the map key a transaction is matched by: the
// Via branch plus the CSeq method, so an ACK and a CANCEL match the
// INVITE they target only where the RFC says they should.
func transactionID(branch string, method Method) string {
	// CANCEL shares the INVITE's branch but is its own transaction.
	return branch + "|" + string(method)
}

// newClientTransaction creates and starts a client transaction: the
// request is sent, retransmissions are scheduled, and Timer B bounds
// the wait for a final response.
func newClientTransaction(req *Message, peer net.Addr, send sendFunc, onTerminated func(*Transaction)) (*Transaction, error) {
	branch := req.ViaBranch()
	if branch == "" {
		return nil, fmt.Errorf("%w: request has no Via branch", ErrMalformedMessage)
	}

	tx := &Transaction{
		id:           transactionID(branch, req.Method),
		role:         RoleClient,
		method:       req.Method,
		isInvite:     req.Method == INVITE,
		request:      req,
		peer:         peer,
		send:         send,
		onTerminated: onTerminated,
		responses:    make(chan *Message, 8),
		done:         make(chan struct{}),
	}
	if tx.isInvite {
		tx.state = TransactionCalling
	} else {
		tx.state = TransactionTrying
	}

	if err := send(req, peer); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	tx.mu.Lock()
	tx.scheduleRetransmit(TimerT1)
	tx.lifetimeTimer = time.AfterFunc(TimerB, tx.onLifetimeExpired)
	tx.mu.Unlock()

	slog.Debug("[Transaction] Client transaction started",
		"id", tx.id, "method", string(req.Method), "state", tx.state.String())
	return tx, nil
}

// newServerTransaction creates a server transaction for an inbound
// request. The TU answers through Respond.
func newServerTransaction(req *Message, peer net.Addr, send sendFunc, onTerminated func(*Transaction)) *Transaction {
	tx := &Transaction{
		id:           transactionID(req.ViaBranch(), req.Method),
		role:         RoleServer,
		method:       req.Method,
		isInvite:     req.Method == INVITE,
		state:        TransactionTrying,
		request:      req,
		peer:         peer,
		send:         send,
		onTerminated: onTerminated,
		done:         make(chan struct{}),
	}

	slog.Debug("[Transaction] Server transaction started",
		"id", tx.id, "method", string(req.Method))
	return tx
}

// ID returns the transaction's matching key.
func (tx *Transaction) ID() string { return tx.id }

// Request returns the request that created the transaction.
func (tx *Transaction) Request() *Message { return tx.request }

// Peer returns the remote address the transaction talks to.
func (tx *Transaction) Peer() net.Addr { return tx.peer }

// State returns the transaction's current state.
func (tx *Transaction) State() TransactionState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Err returns the terminal error, if the transaction failed.
func (tx *Transaction) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.err
}

// Responses delivers responses to a client transaction in arrival
// order. Closed-over by Done when the transaction terminates.
func (tx *Transaction) Responses() <-chan *Message { return tx.responses }

// Done is closed when the transaction reaches Terminated.
func (tx *Transaction) Done() <-chan struct{} { return tx.done }

// scheduleRetransmit arms the retransmission timer. Caller holds tx.mu.
func (tx *Transaction) scheduleRetransmit(after time.Duration) {
	tx.retransmitTimer = time.AfterFunc(after, func() {
		tx.mu.Lock()
		if tx.state != TransactionCalling && tx.state != TransactionTrying {
			tx.mu.Unlock()
			return
		}
		req := tx.request
		peer := tx.peer
		next := after * 2
		if !tx.isInvite && next > TimerT2 {
			next = TimerT2
		}
		tx.scheduleRetransmit(next)
		tx.mu.Unlock()

		if err := tx.send(req, peer); err != nil {
			slog.Debug("[Transaction] Retransmit failed", "id", tx.id, "error", err)
		}
	})
}

// onLifetimeExpired fires when Timer B/F expires without a final
// response.
func (tx *Transaction) onLifetimeExpired() {
	tx.mu.Lock()
	if tx.state == TransactionCompleted || tx.state == TransactionTerminated {
		tx.mu.Unlock()
		return
	}
	tx.err = ErrTransactionTimeout
	tx.mu.Unlock()

	slog.Debug("[Transaction] Timed out", "id", tx.id, "method", string(tx.method))
	tx.Terminate()
}

// HandleResponse processes a response matched to this client
// transaction. Provisional responses move it to Proceeding; a final
// response completes it. Non-2xx final responses to INVITE are ACKed
// by the transaction layer itself; ACK for 2xx belongs to the dialog.
func (tx *Transaction) HandleResponse(resp *Message) {
	tx.mu.Lock()
	if tx.role != RoleClient || tx.state == TransactionTerminated {
		tx.mu.Unlock()
		return
	}

	tx.lastResponse = resp

	if resp.StatusCode < 200 {
		if tx.state.CanTransitionTo(TransactionProceeding) {
			tx.state = TransactionProceeding
			tx.stopRetransmitLocked()
		}
		tx.mu.Unlock()
		tx.deliver(resp)
		return
	}

	alreadyFinal := tx.state == TransactionCompleted
	if !alreadyFinal {
		tx.state = TransactionCompleted
		tx.stopRetransmitLocked()
		if tx.lifetimeTimer != nil {
			tx.lifetimeTimer.Stop()
		}
	}

	needAck := tx.isInvite && resp.StatusCode >= 300
	tx.mu.Unlock()

	if needAck {
		tx.ackNon2xx(resp)
	}
	if alreadyFinal {
		// Retransmitted final response: re-ACK handled above, drop.
		return
	}

	tx.deliver(resp)

	if tx.isInvite && resp.StatusCode < 300 {
		// 2xx to INVITE: dialog takes over immediately.
		tx.Terminate()
		return
	}

	// Linger in Completed to absorb retransmissions.
	linger := TimerD
	if !tx.isInvite {
		linger = TimerJ
	}
	tx.mu.Lock()
	tx.lingerTimer = time.AfterFunc(linger, tx.Terminate)
	tx.mu.Unlock()
}

// ackNon2xx sends the hop-by-hop ACK for a non-2xx INVITE response,
// per RFC 3261 17.1.1.3: same branch, To copied from the response.
func (tx *Transaction) ackNon2xx(resp *Message) {
	ack := NewRequest(ACK, tx.request.RequestURI)
	for _, name := range []string{"Via", "From", "Call-ID"} {
		if v, ok := tx.request.GetHeader(name); ok {
			ack.SetHeader(name, v)
		}
	}
	if v, ok := resp.GetHeader("To"); ok {
		ack.SetHeader("To", v)
	}
	if seq, _, err := tx.request.CSeq(); err == nil {
		ack.SetHeader("CSeq", fmt.Sprintf("%d ACK", seq))
	}
	ack.SetHeader("Max-Forwards", "70")

	if err := tx.send(ack, tx.peer); err != nil {
		slog.Debug("[Transaction] Failed to ACK failure response", "id", tx.id, "error", err)
	}
}

// deliver hands a response to the consumer. The send happens under
// tx.mu so it cannot race the close in Terminate; a response arriving
// after termination is dropped.
func (tx *Transaction) deliver(resp *Message) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state == TransactionTerminated {
		slog.Debug("[Transaction] Dropping response for terminated transaction",
			"id", tx.id, "code", resp.StatusCode)
		return
	}
	select {
	case tx.responses <- resp:
	default:
		slog.Warn("[Transaction] Response channel full, dropping", "id", tx.id, "code", resp.StatusCode)
	}
}

// Respond sends a response on a server transaction. Provisional
// responses leave the transaction in Proceeding; a final response
// completes it and starts the linger timer.
func (tx *Transaction) Respond(resp *Message) error {
	tx.mu.Lock()
	if tx.role != RoleServer {
		tx.mu.Unlock()
		return fmt.Errorf("%w: respond on client transaction", ErrInvalidState)
	}
	if tx.state == TransactionCompleted || tx.state == TransactionTerminated {
		tx.mu.Unlock()
		return fmt.Errorf("%w: transaction already %s", ErrInvalidState, tx.state.String())
	}

	tx.lastResponse = resp
	final := resp.StatusCode >= 200
	if final {
		tx.state = TransactionCompleted
		tx.lingerTimer = time.AfterFunc(TimerJ, tx.Terminate)
	} else if tx.state.CanTransitionTo(TransactionProceeding) {
		tx.state = TransactionProceeding
	}
	peer := tx.peer
	tx.mu.Unlock()

	if err := tx.send(resp, peer); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

// HandleRetransmission resends the last response for a retransmitted
// request on a server transaction.
func (tx *Transaction) HandleRetransmission() {
	tx.mu.Lock()
	resp := tx.lastResponse
	peer := tx.peer
	tx.mu.Unlock()

	if resp == nil {
		return
	}
	if err := tx.send(resp, peer); err != nil {
		slog.Debug("[Transaction] Failed to resend response", "id", tx.id, "error", err)
	}
}

// HandleAck absorbs the ACK for a final INVITE response, terminating
// the server transaction.
func (tx *Transaction) HandleAck() {
	tx.mu.Lock()
	isCompletedInvite := tx.role == RoleServer && tx.isInvite && tx.state == TransactionCompleted
	tx.mu.Unlock()

	if isCompletedInvite {
		tx.Terminate()
	}
}

// Terminate moves the transaction to Terminated, stops all timers,
// closes Done and the response channel, and notifies the owner.
func (tx *Transaction) Terminate() {
	tx.mu.Lock()
	if tx.state == TransactionTerminated {
		tx.mu.Unlock()
		return
	}
	tx.state = TransactionTerminated
	tx.stopRetransmitLocked()
	if tx.lifetimeTimer != nil {
		tx.lifetimeTimer.Stop()
	}
	if tx.lingerTimer != nil {
		tx.lingerTimer.Stop()
	}
	onTerminated := tx.onTerminated

	// Closed under tx.mu so deliver can never send on a closed channel.
	close(tx.done)
	if tx.role == RoleClient {
		close(tx.responses)
	}
	tx.mu.Unlock()

	if onTerminated != nil {
		onTerminated(tx)
	}

	slog.Debug("[Transaction] Terminated", "id", tx.id, "method", string(tx.method))
}

// stopRetransmitLocked stops the retransmit timer. Caller holds tx.mu.
func (tx *Transaction) stopRetransmitLocked() {
	if tx.retransmitTimer != nil {
		tx.retransmitTimer.Stop()
		tx.retransmitTimer = nil
	}
}
