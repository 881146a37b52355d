package transport

import (
	"net"
	"sync"
)

// datagram is one queued loopback packet.
type datagram struct {
	payload []byte
	from    net.Addr
}

// LoopbackAddr is the net.Addr used by loopback sockets.
type LoopbackAddr string

// Network implements net.Addr.
func (a LoopbackAddr) Network() string { return "loopback" }

// String implements net.Addr.
func (a LoopbackAddr) String() string { return string(a) }

// Loopback is an in-memory Socket. Datagrams written to a peer's address
// are delivered to that peer's receive queue. Used in tests so the SIP
// and RTP layers can be exercised without real sockets.
type Loopback struct {
	addr LoopbackAddr

	mu     sync.Mutex
	peers  map[LoopbackAddr]*Loopback
	recvCh chan datagram
	closed bool
}

// NewLoopbackPair creates two loopback sockets wired to each other.
func NewLoopbackPair(addrA, addrB string) (*Loopback, *Loopback) {
	a := newLoopback(LoopbackAddr(addrA))
	b := newLoopback(LoopbackAddr(addrB))
	a.peers[b.addr] = b
	b.peers[a.addr] = a
	return a, b
}

func newLoopback(addr LoopbackAddr) *Loopback {
	return &Loopback{
		addr:   addr,
		peers:  make(map[LoopbackAddr]*Loopback),
		recvCh: make(chan datagram, 256),
	}
}

// WriteTo delivers a copy of p to the peer registered at addr.
// Unknown destinations are silently dropped, matching UDP semantics.
func (l *Loopback) WriteTo(p []byte, addr net.Addr) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	peer, ok := l.peers[LoopbackAddr(addr.String())]
	l.mu.Unlock()

	if !ok {
		return len(p), nil
	}

	buf := make([]byte, len(p))
	copy(buf, p)

	// The send stays under peer.mu so Close cannot close recvCh between
	// the closed check and the send. The send never blocks, so holding
	// the mutex is safe.
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return len(p), nil
	}

	select {
	case peer.recvCh <- datagram{payload: buf, from: l.addr}:
	default:
		// Receive queue full; drop like a congested UDP socket would.
	}
	return len(p), nil
}

// ReadFrom blocks until a datagram arrives or the socket is closed.
func (l *Loopback) ReadFrom(p []byte) (int, net.Addr, error) {
	d, ok := <-l.recvCh
	if !ok {
		return 0, nil, ErrClosed
	}
	n := copy(p, d.payload)
	return n, d.from, nil
}

// LocalAddr returns the loopback address.
func (l *Loopback) LocalAddr() net.Addr { return l.addr }

// Close unblocks pending readers and drops future writes.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.recvCh)
	return nil
}
