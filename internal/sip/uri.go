package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// uriParam is one URI parameter. Parameters keep their insertion order
// so a parsed URI re-serializes byte-identically.
type uriParam struct {
	name     string
	value    string
	hasValue bool
}

// URI is a parsed SIP or SIPS URI: scheme:user@host:port;params.
// Treat it as immutable once shared; Clone before modifying.
type URI struct {
	Scheme string
	User   string
	Host   string
	Port   int

	params []uriParam
}

// ParseURI parses "sip:user@host:port;param=value;flag" forms.
func ParseURI(s string) (*URI, error) {
	colon := strings.Index(s, ":")
	if colon < 1 {
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrMalformedURI, s)
	}

	scheme := strings.ToLower(s[:colon])
	if scheme != "sip" && scheme != "sips" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURI, scheme)
	}

	rest := s[colon+1:]
	if rest == "" {
		return nil, fmt.Errorf("%w: empty URI body in %q", ErrMalformedURI, s)
	}

	u := &URI{Scheme: scheme}

	// Split off parameters first.
	var paramStr string
	if semi := strings.Index(rest, ";"); semi >= 0 {
		paramStr = rest[semi+1:]
		rest = rest[:semi]
	}

	if at := strings.Index(rest, "@"); at >= 0 {
		u.User = rest[:at]
		rest = rest[at+1:]
	}

	if rest == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrMalformedURI, s)
	}

	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port in %q", ErrMalformedURI, s)
		}
		u.Port = port
		rest = rest[:colon]
	}
	u.Host = rest

	if paramStr != "" {
		for _, p := range strings.Split(paramStr, ";") {
			if p == "" {
				continue
			}
			if eq := strings.Index(p, "="); eq >= 0 {
				u.params = append(u.params, uriParam{name: p[:eq], value: p[eq+1:], hasValue: true})
			} else {
				u.params = append(u.params, uriParam{name: p})
			}
		}
	}

	return u, nil
}

// String serializes the URI, round-tripping parameters in insertion order.
func (u *URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteByte(':')
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	if u.Port > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	for _, p := range u.params {
		b.WriteByte(';')
		b.WriteString(p.name)
		if p.hasValue {
			b.WriteByte('=')
			b.WriteString(p.value)
		}
	}
	return b.String()
}

// Param returns a parameter value. Flag parameters return ("", true).
func (u *URI) Param(name string) (string, bool) {
	for _, p := range u.params {
		if strings.EqualFold(p.name, name) {
			return p.value, true
		}
	}
	return "", false
}

// SetParam sets or replaces a parameter value, preserving position for
// existing parameters.
func (u *URI) SetParam(name, value string) {
	for i := range u.params {
		if strings.EqualFold(u.params[i].name, name) {
			u.params[i].value = value
			u.params[i].hasValue = true
			return
		}
	}
	u.params = append(u.params, uriParam{name: name, value: value, hasValue: true})
}

// Clone returns a deep copy of the URI.
func (u *URI) Clone() *URI {
	c := *u
	c.params = make([]uriParam, len(u.params))
	copy(c.params, u.params)
	return &c
}

// Equal compares two URIs for identity purposes: scheme and host are
// case-insensitive, user is case-sensitive, and an absent port equals
// the scheme default. Parameters do not participate.
func (u *URI) Equal(other *URI) bool {
	if other == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, other.Scheme) &&
		u.User == other.User &&
		strings.EqualFold(u.Host, other.Host) &&
		u.effectivePort() == other.effectivePort()
}

func (u *URI) effectivePort() int {
	if u.Port > 0 {
		return u.Port
	}
	if u.Scheme == "sips" {
		return 5061
	}
	return 5060
}

// canonicalKey is the normalized form used as a map key for identity
// lookups (e.g. one registration per registrar).
func (u *URI) canonicalKey() string {
	return fmt.Sprintf("%s:%s@%s:%d",
		strings.ToLower(u.Scheme), u.User, strings.ToLower(u.Host), u.effectivePort())
}

// HostPort returns "host:port" with the scheme default applied.
func (u *URI) HostPort() string {
	return fmt.Sprintf("%s:%d", u.Host, u.effectivePort())
}
