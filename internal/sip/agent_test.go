package sip

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/rtcbridge/internal/sdp"
	"github.com/sebas/rtcbridge/internal/transport"
)

const (
	aliceAddr = "127.0.0.1:5062"
	bobAddr   = "127.0.0.1:5063"
)

func testSDP(addr string, port int) *sdp.Session {
	return &sdp.Session{
		ConnectionAddress: addr,
		SessionName:       "test",
		AudioPort:         port,
		AudioPayloadTypes: []uint8{0},
	}
}

// newAgentPair wires two agents over an in-memory socket pair.
func newAgentPair(t *testing.T) (*Agent, *Agent) {
	t.Helper()

	sockA, sockB := transport.NewLoopbackPair(aliceAddr, bobAddr)

	uriA, err := ParseURI("sip:alice@" + aliceAddr)
	require.NoError(t, err)
	uriB, err := ParseURI("sip:bob@" + bobAddr)
	require.NoError(t, err)

	alice, err := NewAgent(AgentConfig{Socket: sockA, LocalURI: uriA})
	require.NoError(t, err)
	bob, err := NewAgent(AgentConfig{Socket: sockB, LocalURI: uriB})
	require.NoError(t, err)

	require.NoError(t, alice.Start())
	require.NoError(t, bob.Start())
	t.Cleanup(func() {
		_ = alice.Stop()
		_ = bob.Stop()
	})
	return alice, bob
}

// waitState polls until the call reaches the wanted state.
func waitState(t *testing.T, call *Call, want CallState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if call.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("call %s stuck in %s, wanted %s", call.ID(), call.State(), want)
}

func TestCallLifecycle(t *testing.T) {
	alice, bob := newAgentPair(t)

	var (
		mu       sync.Mutex
		incoming *Call
	)
	bob.OnIncomingCall(func(call *Call) {
		mu.Lock()
		incoming = call
		mu.Unlock()

		assert.NoError(t, call.Ring())
		assert.NoError(t, call.Accept(testSDP("127.0.0.1", 20000)))
	})

	remote, err := ParseURI("sip:bob@" + bobAddr)
	require.NoError(t, err)

	call, err := alice.Dial(remote, testSDP("127.0.0.1", 10000))
	require.NoError(t, err)

	waitState(t, call, CallConnected)

	mu.Lock()
	answered := incoming
	mu.Unlock()
	require.NotNil(t, answered)
	waitState(t, answered, CallConnected)

	// Offer/answer made it across both directions.
	require.NotNil(t, call.RemoteSDP())
	assert.Equal(t, 20000, call.RemoteSDP().AudioPort)
	require.NotNil(t, answered.RemoteSDP())
	assert.Equal(t, 10000, answered.RemoteSDP().AudioPort)

	assert.Equal(t, 1, alice.CallCount())
	assert.Equal(t, 1, bob.CallCount())

	require.NoError(t, call.Hangup())
	waitState(t, call, CallDisconnected)
	waitState(t, answered, CallDisconnected)

	// Disconnected calls leave the agents' tables.
	assert.Equal(t, 0, alice.CallCount())
	assert.Equal(t, 0, bob.CallCount())
}

func TestDialListenersSeeEveryTransition(t *testing.T) {
	alice, bob := newAgentPair(t)

	bob.OnIncomingCall(func(call *Call) {
		assert.NoError(t, call.Ring())
		assert.NoError(t, call.Accept(testSDP("127.0.0.1", 20000)))
	})

	remote, err := ParseURI("sip:bob@" + bobAddr)
	require.NoError(t, err)

	var (
		mu          sync.Mutex
		transitions []CallState
	)
	call, err := alice.Dial(remote, testSDP("127.0.0.1", 10000),
		func(_ *Call, _, to CallState) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		})
	require.NoError(t, err)

	waitState(t, call, CallConnected)

	// The listener was attached before the INVITE went out, so the very
	// first transition out of Idle is visible to it.
	mu.Lock()
	require.NotEmpty(t, transitions)
	assert.Equal(t, CallCalling, transitions[0])
	mu.Unlock()

	require.NoError(t, call.Hangup())
	waitState(t, call, CallDisconnected)
}

func TestCallRejected(t *testing.T) {
	alice, bob := newAgentPair(t)

	bob.OnIncomingCall(func(call *Call) {
		assert.NoError(t, call.Reject(486, "Busy Here"))
	})

	remote, err := ParseURI("sip:bob@" + bobAddr)
	require.NoError(t, err)

	call, err := alice.Dial(remote, testSDP("127.0.0.1", 10000))
	require.NoError(t, err)

	waitState(t, call, CallDisconnected)

	var respErr *ResponseError
	require.ErrorAs(t, call.Err(), &respErr)
	assert.Equal(t, 486, respErr.Code)
	assert.Equal(t, 0, alice.CallCount())
}

func TestCallCanceledBeforeAnswer(t *testing.T) {
	alice, bob := newAgentPair(t)

	var (
		mu       sync.Mutex
		incoming *Call
	)
	bob.OnIncomingCall(func(call *Call) {
		mu.Lock()
		incoming = call
		mu.Unlock()
		// Never answered; the caller gives up.
		assert.NoError(t, call.Ring())
	})

	remote, err := ParseURI("sip:bob@" + bobAddr)
	require.NoError(t, err)

	call, err := alice.Dial(remote, testSDP("127.0.0.1", 10000))
	require.NoError(t, err)

	waitState(t, call, CallProceeding)
	require.NoError(t, call.Hangup())
	waitState(t, call, CallDisconnected)

	mu.Lock()
	callee := incoming
	mu.Unlock()
	require.NotNil(t, callee)
	waitState(t, callee, CallDisconnected)
	assert.ErrorIs(t, callee.Err(), ErrCallCanceled)
}

func TestIncomingCallWithoutHandlerIsRejected(t *testing.T) {
	alice, bob := newAgentPair(t)
	_ = bob // no handler registered

	remote, err := ParseURI("sip:bob@" + bobAddr)
	require.NoError(t, err)

	call, err := alice.Dial(remote, testSDP("127.0.0.1", 10000))
	require.NoError(t, err)

	waitState(t, call, CallDisconnected)

	var respErr *ResponseError
	require.ErrorAs(t, call.Err(), &respErr)
	assert.Equal(t, 480, respErr.Code)
}

// rawPeer drives an agent with hand-built messages, standing in for a
// remote UA the tests control byte by byte.
type rawPeer struct {
	t    *testing.T
	sock *transport.Loopback
	addr string
}

func newRawPeerAndAgent(t *testing.T) (*rawPeer, *Agent) {
	t.Helper()

	peerSock, agentSock := transport.NewLoopbackPair(aliceAddr, bobAddr)

	uri, err := ParseURI("sip:bob@" + bobAddr)
	require.NoError(t, err)
	agent, err := NewAgent(AgentConfig{Socket: agentSock, LocalURI: uri})
	require.NoError(t, err)
	require.NoError(t, agent.Start())
	t.Cleanup(func() { _ = agent.Stop() })

	return &rawPeer{t: t, sock: peerSock, addr: bobAddr}, agent
}

func (p *rawPeer) send(raw string) {
	p.t.Helper()
	addr, err := transport.Resolve(p.addr)
	require.NoError(p.t, err)
	_, err = p.sock.WriteTo([]byte(raw), addr)
	require.NoError(p.t, err)
}

func (p *rawPeer) recv() *Message {
	p.t.Helper()

	type result struct {
		msg *Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 65535)
		n, _, err := p.sock.ReadFrom(buf)
		if err != nil {
			ch <- result{err: err}
			return
		}
		msg, err := Parse(buf[:n])
		ch <- result{msg: msg, err: err}
	}()

	select {
	case r := <-ch:
		require.NoError(p.t, r.err)
		return r.msg
	case <-time.After(3 * time.Second):
		p.t.Fatal("timed out waiting for message")
		return nil
	}
}

func inviteFor(callID, branch string) string {
	return fmt.Sprintf("INVITE sip:bob@%s SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP %s;branch=%s\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: <sip:alice@%s>;tag=ft-%s\r\n"+
		"To: <sip:bob@%s>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n",
		bobAddr, aliceAddr, branch, aliceAddr, callID, bobAddr, callID)
}

func TestByeForUnknownCallYields481(t *testing.T) {
	peer, _ := newRawPeerAndAgent(t)

	peer.send(fmt.Sprintf("BYE sip:bob@%s SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP %s;branch=z9hG4bK.unknownbye\r\n"+
		"From: <sip:alice@%s>;tag=f1\r\n"+
		"To: <sip:bob@%s>;tag=t1\r\n"+
		"Call-ID: no-such-call\r\n"+
		"CSeq: 2 BYE\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n", bobAddr, aliceAddr, aliceAddr, bobAddr))

	resp := peer.recv()
	assert.Equal(t, 481, resp.StatusCode)
	assert.NotEmpty(t, resp.ToTag())
}

func TestDuplicateInviteYields488(t *testing.T) {
	peer, agent := newRawPeerAndAgent(t)
	agent.OnIncomingCall(func(call *Call) {
		assert.NoError(t, call.Ring())
	})

	peer.send(inviteFor("abc", "z9hG4bK.first"))

	assert.Equal(t, 100, peer.recv().StatusCode)
	assert.Equal(t, 180, peer.recv().StatusCode)
	assert.Equal(t, 1, agent.CallCount())

	// Same Call-ID on a new branch while the first call is active.
	peer.send(inviteFor("abc", "z9hG4bK.second"))

	second := peer.recv()
	assert.Equal(t, 488, second.StatusCode)
	assert.NotEmpty(t, second.ToTag())
	assert.Equal(t, 1, agent.CallCount())
}

func TestUnhandledMethodYields405WithAllow(t *testing.T) {
	peer, _ := newRawPeerAndAgent(t)

	for _, method := range []string{"REGISTER", "OPTIONS", "INFO", "SUBSCRIBE", "MESSAGE"} {
		peer.send(fmt.Sprintf("%s sip:bob@%s SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP %s;branch=z9hG4bK.m-%s\r\n"+
			"From: <sip:alice@%s>;tag=f1\r\n"+
			"To: <sip:bob@%s>\r\n"+
			"Call-ID: method-%s\r\n"+
			"CSeq: 1 %s\r\n"+
			"Content-Length: 0\r\n"+
			"\r\n", method, bobAddr, aliceAddr, method, aliceAddr, bobAddr, method, method))

		resp := peer.recv()
		assert.Equal(t, 405, resp.StatusCode, method)

		allow, ok := resp.GetHeader("Allow")
		assert.True(t, ok, method)
		assert.Equal(t, "INVITE, ACK, CANCEL, BYE, OPTIONS", allow)
		assert.NotEmpty(t, resp.ToTag(), method)
	}
}

func TestCancelPendingInviteYields487(t *testing.T) {
	peer, agent := newRawPeerAndAgent(t)

	var (
		mu       sync.Mutex
		incoming *Call
	)
	agent.OnIncomingCall(func(call *Call) {
		mu.Lock()
		incoming = call
		mu.Unlock()
		assert.NoError(t, call.Ring())
	})

	peer.send(inviteFor("cancel-me", "z9hG4bK.cxl"))
	assert.Equal(t, 100, peer.recv().StatusCode)
	assert.Equal(t, 180, peer.recv().StatusCode)

	// CANCEL shares the INVITE's branch.
	peer.send(fmt.Sprintf("CANCEL sip:bob@%s SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP %s;branch=z9hG4bK.cxl\r\n"+
		"From: <sip:alice@%s>;tag=ft-cancel-me\r\n"+
		"To: <sip:bob@%s>\r\n"+
		"Call-ID: cancel-me\r\n"+
		"CSeq: 1 CANCEL\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n", bobAddr, aliceAddr, aliceAddr, bobAddr))

	// One 200 for the CANCEL, one 487 for the INVITE, in either order.
	codes := []int{peer.recv().StatusCode, peer.recv().StatusCode}
	assert.ElementsMatch(t, []int{200, 487}, codes)

	mu.Lock()
	callee := incoming
	mu.Unlock()
	require.NotNil(t, callee)
	waitState(t, callee, CallDisconnected)
	assert.ErrorIs(t, callee.Err(), ErrCallCanceled)
	assert.Equal(t, 0, agent.CallCount())
}

func TestRegistrationLifecycle(t *testing.T) {
	peer, agent := newRawPeerAndAgent(t)

	registrar, err := ParseURI("sip:" + aliceAddr)
	require.NoError(t, err)

	reg, err := agent.CreateRegistration(registrar)
	require.NoError(t, err)

	// Idempotent per normalized registrar URI.
	again, err := agent.CreateRegistration(registrar)
	require.NoError(t, err)
	assert.Same(t, reg, again)

	require.NoError(t, reg.Register())

	req := peer.recv()
	assert.Equal(t, REGISTER, req.Method)
	expires, _ := req.GetHeader("Expires")
	assert.Equal(t, "3600", expires)

	ok := NewResponse(req, 200, "OK")
	ok.SetToTag("reg-tag")
	peer.send(string(ok.Marshal()))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && reg.State() != RegistrationRegistered {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, RegistrationRegistered, reg.State())

	require.NoError(t, reg.Unregister())

	unreg := peer.recv()
	assert.Equal(t, REGISTER, unreg.Method)
	expires, _ = unreg.GetHeader("Expires")
	assert.Equal(t, "0", expires)

	ok = NewResponse(unreg, 200, "OK")
	ok.SetToTag("reg-tag")
	peer.send(string(ok.Marshal()))

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && reg.State() != RegistrationUnregistered {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, RegistrationUnregistered, reg.State())
}

func TestRegistrationFailure(t *testing.T) {
	peer, agent := newRawPeerAndAgent(t)

	registrar, err := ParseURI("sip:" + aliceAddr)
	require.NoError(t, err)

	reg, err := agent.CreateRegistration(registrar)
	require.NoError(t, err)
	require.NoError(t, reg.Register())

	req := peer.recv()
	forbidden := NewResponse(req, 403, "Forbidden")
	forbidden.SetToTag("reg-tag")
	peer.send(string(forbidden.Marshal()))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && reg.State() != RegistrationFailed {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, RegistrationFailed, reg.State())

	var respErr *ResponseError
	require.ErrorAs(t, reg.Err(), &respErr)
	assert.Equal(t, 403, respErr.Code)
}

func TestClientTransactionRetransmits(t *testing.T) {
	peer, agent := newRawPeerAndAgent(t)

	registrar, err := ParseURI("sip:" + aliceAddr)
	require.NoError(t, err)
	reg, err := agent.CreateRegistration(registrar)
	require.NoError(t, err)
	require.NoError(t, reg.Register())

	first := peer.recv()
	second := peer.recv() // retransmission after T1 with no response

	assert.Equal(t, first.ViaBranch(), second.ViaBranch())
	assert.Equal(t, REGISTER, second.Method)
}
