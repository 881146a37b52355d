package sip

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInvite(t *testing.T) *Message {
	t.Helper()

	uri, err := ParseURI("sip:bob@127.0.0.1:5063")
	require.NoError(t, err)

	req := NewRequest(INVITE, uri)
	req.SetHeader("Via", "SIP/2.0/UDP 127.0.0.1:5062;branch="+GenerateBranch())
	req.SetHeader("From", "<sip:alice@127.0.0.1:5062>;tag="+GenerateTag())
	req.SetHeader("To", "<sip:bob@127.0.0.1:5063>")
	req.SetHeader("Call-ID", GenerateCallID())
	req.SetHeader("CSeq", "1 INVITE")
	return req
}

func noopSend(_ *Message, _ net.Addr) error { return nil }

var testPeer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5063}

// A provisional response racing transaction termination must be
// dropped, never delivered onto a closed channel.
func TestTransactionResponseRacesTermination(t *testing.T) {
	for i := 0; i < 2000; i++ {
		req := newTestInvite(t)
		tx, err := newClientTransaction(req, testPeer, noopSend, nil)
		require.NoError(t, err)

		ringing := NewResponse(req, 180, "Ringing")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tx.HandleResponse(ringing)
		}()
		go func() {
			defer wg.Done()
			tx.Terminate()
		}()
		wg.Wait()

		assert.Equal(t, TransactionTerminated, tx.State())
	}
}

func TestTransactionResponseAfterTerminationDropped(t *testing.T) {
	req := newTestInvite(t)
	tx, err := newClientTransaction(req, testPeer, noopSend, nil)
	require.NoError(t, err)

	tx.Terminate()
	tx.HandleResponse(NewResponse(req, 180, "Ringing"))

	_, open := <-tx.Responses()
	assert.False(t, open, "no response may be delivered after termination")
}

func TestTransactionTerminateIdempotent(t *testing.T) {
	req := newTestInvite(t)

	terminations := 0
	tx, err := newClientTransaction(req, testPeer, noopSend, func(*Transaction) {
		terminations++
	})
	require.NoError(t, err)

	tx.Terminate()
	tx.Terminate()

	assert.Equal(t, 1, terminations)
	select {
	case <-tx.Done():
	default:
		t.Fatal("Done must be closed after Terminate")
	}
}
