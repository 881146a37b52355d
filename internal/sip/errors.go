package sip

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrMalformedMessage indicates bytes that could not be parsed as SIP.
	ErrMalformedMessage = errors.New("malformed SIP message")

	// ErrMalformedURI indicates a string that could not be parsed as a SIP URI.
	ErrMalformedURI = errors.New("malformed SIP URI")

	// ErrInvalidState indicates an operation not valid in the current
	// call, registration or transaction state.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrCallNotFound indicates a Call-ID with no matching call.
	ErrCallNotFound = errors.New("call not found")

	// ErrAgentStopped indicates an operation on a stopped agent.
	ErrAgentStopped = errors.New("agent stopped")

	// ErrTransactionTimeout indicates a transaction that expired without
	// a final response.
	ErrTransactionTimeout = errors.New("transaction timeout")

	// ErrCallCanceled indicates a call torn down by CANCEL before answer.
	ErrCallCanceled = errors.New("call canceled")
)

// ResponseError is a terminal SIP failure response received or generated
// for a request (4xx, 5xx, 6xx).
type ResponseError struct {
	Code   int
	Reason string
}

// Error returns the error message.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("SIP %d %s", e.Code, e.Reason)
}
