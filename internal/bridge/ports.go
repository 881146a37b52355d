package bridge

import (
	"fmt"
	"sync"
)

// portPool hands out media ports for RTP sessions. With rtcp-mux a
// call needs a single port, but ports are still reserved in even/odd
// pairs so a non-muxed peer can be accommodated.
type portPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available map[int]bool
	allocated map[int]bool
}

func newPortPool(minPort, maxPort int) *portPool {
	if minPort%2 != 0 {
		minPort++
	}

	available := make(map[int]bool)
	for port := minPort; port < maxPort; port += 2 {
		available[port] = true
	}

	return &portPool{
		minPort:   minPort,
		maxPort:   maxPort,
		available: available,
		allocated: make(map[int]bool),
	}
}

// allocate reserves one even/odd port pair and returns the even port.
func (p *portPool) allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := range p.available {
		delete(p.available, port)
		p.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no ports available in pool (range %d-%d)", p.minPort, p.maxPort)
}

// release returns a port pair to the pool.
func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated[port] {
		delete(p.allocated, port)
		p.available[port] = true
	}
}

func (p *portPool) availableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}
