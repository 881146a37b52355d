package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInvite = "INVITE sip:bob@example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP caller.example.com:5060;branch=z9hG4bK.abc123\r\n" +
	"Max-Forwards: 70\r\n" +
	"From: <sip:alice@caller.example.com>;tag=fromtag1\r\n" +
	"To: <sip:bob@example.com>\r\n" +
	"Call-ID: call-1@caller.example.com\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 5\r\n" +
	"\r\n" +
	"v=0\r\n"

func TestParseRequest(t *testing.T) {
	msg, err := Parse([]byte(sampleInvite))
	require.NoError(t, err)

	assert.True(t, msg.IsRequest())
	assert.False(t, msg.IsResponse())
	assert.Equal(t, INVITE, msg.Method)
	assert.Equal(t, "bob", msg.RequestURI.User)
	assert.Equal(t, "call-1@caller.example.com", msg.CallID())
	assert.Equal(t, "fromtag1", msg.FromTag())
	assert.Equal(t, "", msg.ToTag())
	assert.Equal(t, "z9hG4bK.abc123", msg.ViaBranch())
	assert.Equal(t, []byte("v=0\r\n"), msg.Body)

	seq, method, err := msg.CSeq()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, INVITE, method)
}

func TestParseResponse(t *testing.T) {
	raw := "SIP/2.0 180 Ringing\r\n" +
		"Via: SIP/2.0/UDP caller.example.com;branch=z9hG4bK.xyz\r\n" +
		"From: <sip:alice@a.com>;tag=f1\r\n" +
		"To: <sip:bob@b.com>;tag=t1\r\n" +
		"Call-ID: c1\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"\r\n"

	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.True(t, msg.IsResponse())
	assert.Equal(t, 180, msg.StatusCode)
	assert.Equal(t, "Ringing", msg.Reason)
	assert.Equal(t, "t1", msg.ToTag())
	assert.Empty(t, msg.Body)
}

func TestParseCompactHeaders(t *testing.T) {
	raw := "OPTIONS sip:bob@example.com SIP/2.0\r\n" +
		"v: SIP/2.0/UDP h.example.com;branch=z9hG4bK.1\r\n" +
		"f: <sip:alice@a.com>;tag=f1\r\n" +
		"t: <sip:bob@b.com>\r\n" +
		"i: compact-call-id\r\n" +
		"CSeq: 7 OPTIONS\r\n" +
		"l: 0\r\n" +
		"\r\n"

	msg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "compact-call-id", msg.CallID())
	assert.Equal(t, "f1", msg.FromTag())
	assert.Equal(t, "z9hG4bK.1", msg.ViaBranch())

	v, ok := msg.GetHeader("Content-Length")
	assert.True(t, ok)
	assert.Equal(t, "0", v)
}

func TestParseErrors(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("INVITE sip:x@y SIP/2.0\r\nVia: v"),  // no terminator
		[]byte("garbage\r\n\r\n"),                   // bad start line
		[]byte("SIP/2.0 xx Bad\r\n\r\n"),            // bad status code
		[]byte("INVITE notaun uri extra\r\n\r\n"),   // bad request line
		[]byte("INVITE sip:x@y SIP/2.0\r\n:\r\n\r\n"), // bad header
	}
	for i, raw := range cases {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrMalformedMessage, "case %d", i)
	}
}

func TestMarshalSetsContentLength(t *testing.T) {
	uri, err := ParseURI("sip:bob@example.com")
	require.NoError(t, err)

	req := NewRequest(INVITE, uri)
	req.SetHeader("Via", "SIP/2.0/UDP a.com;branch=z9hG4bK.1")
	req.SetHeader("From", "<sip:alice@a.com>;tag=f1")
	req.SetHeader("To", "<sip:bob@example.com>")
	req.SetHeader("Call-ID", "c1")
	req.SetHeader("CSeq", "1 INVITE")
	req.Body = []byte("hello")

	data := req.Marshal()
	text := string(data)

	assert.True(t, strings.HasPrefix(text, "INVITE sip:bob@example.com SIP/2.0\r\n"))
	assert.Contains(t, text, "Content-Length: 5\r\n")
	assert.True(t, strings.HasSuffix(text, "\r\n\r\nhello"))

	// Marshal output parses back to an equivalent message.
	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, req.Method, parsed.Method)
	assert.Equal(t, req.Body, parsed.Body)
}

func TestNewResponseCopiesDialogHeaders(t *testing.T) {
	req, err := Parse([]byte(sampleInvite))
	require.NoError(t, err)

	resp := NewResponse(req, 200, "OK")
	assert.True(t, resp.IsResponse())

	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		reqV, _ := req.GetHeader(name)
		respV, ok := resp.GetHeader(name)
		assert.True(t, ok, name)
		assert.Equal(t, reqV, respV, name)
	}

	_, ok := resp.GetHeader("Content-Type")
	assert.False(t, ok)
}

func TestSetToTag(t *testing.T) {
	req, err := Parse([]byte(sampleInvite))
	require.NoError(t, err)

	resp := NewResponse(req, 200, "OK")
	resp.SetToTag("newtag")
	assert.Equal(t, "newtag", resp.ToTag())

	// A second SetToTag must not replace an existing tag.
	resp.SetToTag("other")
	assert.Equal(t, "newtag", resp.ToTag())
}

func TestHeaderManipulation(t *testing.T) {
	m := &Message{}
	m.AddHeader("Via", "first")
	m.AddHeader("Via", "second")

	assert.Equal(t, []string{"first", "second"}, m.GetHeaders("via"))

	v, ok := m.GetHeader("VIA")
	assert.True(t, ok)
	assert.Equal(t, "first", v)

	m.SetHeader("Via", "replaced")
	assert.Equal(t, []string{"replaced", "second"}, m.GetHeaders("Via"))

	m.RemoveHeader("Via")
	assert.Empty(t, m.GetHeaders("Via"))
}

func TestGenerateBranchHasMagicCookie(t *testing.T) {
	b1 := GenerateBranch()
	b2 := GenerateBranch()
	assert.True(t, strings.HasPrefix(b1, "z9hG4bK."))
	assert.NotEqual(t, b1, b2)
}
