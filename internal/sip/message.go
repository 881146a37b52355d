package sip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Method is a SIP request method.
type Method string

// Request methods.
const (
	INVITE    Method = "INVITE"
	ACK       Method = "ACK"
	BYE       Method = "BYE"
	CANCEL    Method = "CANCEL"
	REGISTER  Method = "REGISTER"
	OPTIONS   Method = "OPTIONS"
	INFO      Method = "INFO"
	UPDATE    Method = "UPDATE"
	REFER     Method = "REFER"
	SUBSCRIBE Method = "SUBSCRIBE"
	NOTIFY    Method = "NOTIFY"
	MESSAGE   Method = "MESSAGE"
	PUBLISH   Method = "PUBLISH"
	PRACK     Method = "PRACK"
)

const sipVersion = "SIP/2.0"

// AllowedMethods is the value advertised in Allow headers and on 405
// responses for methods the agent does not handle.
const AllowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS"

// compactForms maps RFC 3261 compact header names to their long form.
var compactForms = map[string]string{
	"i": "Call-ID",
	"m": "Contact",
	"e": "Content-Encoding",
	"l": "Content-Length",
	"c": "Content-Type",
	"f": "From",
	"s": "Subject",
	"k": "Supported",
	"t": "To",
	"v": "Via",
}

// Header is one message header. Headers preserve the order they were
// added or parsed in.
type Header struct {
	Name  string
	Value string
}

// Message is a SIP request or response. A message with a non-empty
// Method is a request; one with a non-zero StatusCode is a response.
type Message struct {
	// Request fields
	Method     Method
	RequestURI *URI

	// Response fields
	StatusCode int
	Reason     string

	headers []Header
	Body    []byte
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool { return m.Method != "" && m.StatusCode == 0 }

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool { return m.StatusCode != 0 }

// GetHeader returns the first header with the given name,
// case-insensitively.
func (m *Message) GetHeader(name string) (string, bool) {
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// GetHeaders returns all values for the given header name in order.
func (m *Message) GetHeaders(name string) []string {
	var out []string
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// SetHeader replaces the first occurrence of a header, or appends it.
func (m *Message) SetHeader(name, value string) {
	for i := range m.headers {
		if strings.EqualFold(m.headers[i].Name, name) {
			m.headers[i].Value = value
			return
		}
	}
	m.headers = append(m.headers, Header{Name: name, Value: value})
}

// AddHeader appends a header without replacing existing occurrences.
func (m *Message) AddHeader(name, value string) {
	m.headers = append(m.headers, Header{Name: name, Value: value})
}

// RemoveHeader removes all occurrences of a header.
func (m *Message) RemoveHeader(name string) {
	kept := m.headers[:0]
	for _, h := range m.headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	m.headers = kept
}

// CallID returns the message's Call-ID header.
func (m *Message) CallID() string {
	v, _ := m.GetHeader("Call-ID")
	return v
}

// CSeq parses the CSeq header into its sequence number and method.
func (m *Message) CSeq() (uint32, Method, error) {
	v, ok := m.GetHeader("CSeq")
	if !ok {
		return 0, "", fmt.Errorf("%w: missing CSeq", ErrMalformedMessage)
	}
	parts := strings.Fields(v)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("%w: bad CSeq %q", ErrMalformedMessage, v)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad CSeq number %q", ErrMalformedMessage, parts[0])
	}
	return uint32(seq), Method(strings.ToUpper(parts[1])), nil
}

// FromTag returns the tag parameter of the From header, if any.
func (m *Message) FromTag() string {
	v, _ := m.GetHeader("From")
	return headerTag(v)
}

// ToTag returns the tag parameter of the To header, if any.
func (m *Message) ToTag() string {
	v, _ := m.GetHeader("To")
	return headerTag(v)
}

// SetToTag appends a tag parameter to the To header. A no-op when the
// header already carries a tag.
func (m *Message) SetToTag(tag string) {
	v, ok := m.GetHeader("To")
	if !ok || headerTag(v) != "" {
		return
	}
	m.SetHeader("To", v+";tag="+tag)
}

// ViaBranch returns the branch parameter of the topmost Via header.
func (m *Message) ViaBranch() string {
	v, ok := m.GetHeader("Via")
	if !ok {
		return ""
	}
	return headerParam(v, "branch")
}

// headerTag extracts the tag parameter from a From or To header value.
func headerTag(value string) string {
	return headerParam(value, "tag")
}

func headerParam(value, name string) string {
	for _, part := range strings.Split(value, ";")[1:] {
		part = strings.TrimSpace(part)
		if eq := strings.Index(part, "="); eq >= 0 && strings.EqualFold(part[:eq], name) {
			return part[eq+1:]
		}
	}
	return ""
}

// NewRequest builds a request with the given method and Request-URI.
// Callers fill in the dialog headers.
func NewRequest(method Method, requestURI *URI) *Message {
	return &Message{
		Method:     method,
		RequestURI: requestURI,
	}
}

// NewResponse builds a response to a request, copying the headers a
// response must echo: Via, From, To, Call-ID, CSeq.
func NewResponse(req *Message, code int, reason string) *Message {
	resp := &Message{
		StatusCode: code,
		Reason:     reason,
	}
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		for _, v := range req.GetHeaders(name) {
			resp.AddHeader(name, v)
		}
	}
	return resp
}

// Parse parses a SIP message from wire bytes. Compact header forms are
// normalized to their long names.
func Parse(data []byte) (*Message, error) {
	text := string(data)

	headerEnd := strings.Index(text, "\r\n\r\n")
	if headerEnd < 0 {
		return nil, fmt.Errorf("%w: no header terminator", ErrMalformedMessage)
	}
	headerPart := text[:headerEnd]
	body := data[headerEnd+4:]

	lines := strings.Split(headerPart, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("%w: empty start line", ErrMalformedMessage)
	}

	m := &Message{}
	if err := parseStartLine(m, lines[0]); err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 1 {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformedMessage, line)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		if long, ok := compactForms[strings.ToLower(name)]; ok && len(name) == 1 {
			name = long
		}
		m.headers = append(m.headers, Header{Name: name, Value: value})
	}

	if len(body) > 0 {
		m.Body = make([]byte, len(body))
		copy(m.Body, body)
	}

	return m, nil
}

func parseStartLine(m *Message, line string) error {
	if strings.HasPrefix(line, sipVersion+" ") {
		// Status line: SIP/2.0 code reason
		rest := line[len(sipVersion)+1:]
		space := strings.Index(rest, " ")
		if space < 0 {
			return fmt.Errorf("%w: bad status line %q", ErrMalformedMessage, line)
		}
		code, err := strconv.Atoi(rest[:space])
		if err != nil || code < 100 || code > 699 {
			return fmt.Errorf("%w: bad status code in %q", ErrMalformedMessage, line)
		}
		m.StatusCode = code
		m.Reason = rest[space+1:]
		return nil
	}

	// Request line: METHOD uri SIP/2.0
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[2] != sipVersion {
		return fmt.Errorf("%w: bad request line %q", ErrMalformedMessage, line)
	}
	uri, err := ParseURI(parts[1])
	if err != nil {
		return fmt.Errorf("%w: request URI: %v", ErrMalformedMessage, err)
	}
	m.Method = Method(strings.ToUpper(parts[0]))
	m.RequestURI = uri
	return nil
}

// Marshal serializes the message to wire bytes, setting Content-Length
// from the body.
func (m *Message) Marshal() []byte {
	var b strings.Builder

	if m.IsResponse() {
		b.WriteString(sipVersion)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(m.StatusCode))
		b.WriteByte(' ')
		b.WriteString(m.Reason)
	} else {
		b.WriteString(string(m.Method))
		b.WriteByte(' ')
		b.WriteString(m.RequestURI.String())
		b.WriteByte(' ')
		b.WriteString(sipVersion)
	}
	b.WriteString("\r\n")

	m.SetHeader("Content-Length", strconv.Itoa(len(m.Body)))

	for _, h := range m.headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(m.Body)

	return []byte(b.String())
}

// GenerateBranch returns a fresh Via branch with the RFC 3261 magic
// cookie prefix.
func GenerateBranch() string {
	return "z9hG4bK." + uuid.NewString()
}

// GenerateTag returns a fresh From/To tag.
func GenerateTag() string {
	return uuid.NewString()[:13]
}

// GenerateCallID returns a fresh Call-ID.
func GenerateCallID() string {
	return uuid.NewString()
}
