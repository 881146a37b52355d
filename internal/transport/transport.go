// Package transport supplies the async packet socket abstraction the
// signaling and media layers send and receive through. The bridge core
// never opens sockets itself; it is handed a Socket (normally UDP) and
// treats I/O failures as transient, per-datagram conditions.
package transport

import (
	"errors"
	"fmt"
	"net"
)

// ErrClosed is returned by operations on a closed socket.
var ErrClosed = errors.New("transport: socket closed")

// Socket is a connectionless packet endpoint. *net.UDPConn satisfies it
// via the Listen helper; tests use an in-memory loopback pair.
//
// ReadFrom blocks until a datagram arrives or the socket is closed.
// Implementations must make Close unblock pending readers.
type Socket interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
	ReadFrom(p []byte) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// Listen binds a UDP socket on the given address ("host:port").
func Listen(bindAddr string, port int) (Socket, error) {
	ip := net.ParseIP(bindAddr)
	if ip == nil {
		return nil, fmt.Errorf("transport: invalid bind address %q", bindAddr)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s:%d: %w", bindAddr, port, err)
	}
	return conn, nil
}

// Resolve parses "host:port" into a UDP address.
func Resolve(hostport string) (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", hostport, err)
	}
	return addr, nil
}
