package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/rtcbridge/internal/media"
)

// Pipeline is a named graph of nodes. Node names are unique within a
// pipeline; lifecycle calls for one pipeline are serialized so start
// and stop ordering stays deterministic.
type Pipeline struct {
	name string

	// lifecycleMu serializes Start/Stop sequences end to end; mu only
	// guards the node map so route stays concurrent with lifecycle.
	lifecycleMu sync.Mutex

	mu      sync.Mutex
	nodes   map[string]Node
	running bool
}

// New creates an empty pipeline.
func New(name string) *Pipeline {
	return &Pipeline{
		name:  name,
		nodes: make(map[string]Node),
	}
}

// Name returns the pipeline's name.
func (p *Pipeline) Name() string { return p.name }

// IsRunning reports whether the last Start succeeded and no Stop has
// happened since.
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// AddNode adds a node to the graph. Names must be unique.
func (p *Pipeline) AddNode(n Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.nodes[n.Name()]; exists {
		return fmt.Errorf("%w: node %q already exists", ErrInvalidParameter, n.Name())
	}
	p.nodes[n.Name()] = n
	n.setForwarder(p.route)

	slog.Debug("[Pipeline] Node added",
		"pipeline", p.name, "node", n.Name(), "kind", n.Kind().String())
	return nil
}

// Node returns the node with the given name.
func (p *Pipeline) Node(name string) (Node, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[name]
	return n, ok
}

// NodeCount returns the number of nodes in the graph.
func (p *Pipeline) NodeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes)
}

// RemoveNode stops and removes a node. The node is removed even when
// its stop fails; the failure is reported through the node's error
// event and the returned error.
func (p *Pipeline) RemoveNode(name string) error {
	p.mu.Lock()
	n, ok := p.nodes[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: node %q", ErrNotFound, name)
	}
	delete(p.nodes, name)
	p.mu.Unlock()

	if err := n.Stop(); err != nil {
		slog.Warn("[Pipeline] Node failed to stop during removal",
			"pipeline", p.name, "node", name, "error", err)
		return err
	}
	return nil
}

// Connect records a directed edge from a source node's output port to
// a destination node's input port. The ports must carry the same media
// type; a prior connection on the output port is replaced.
func (p *Pipeline) Connect(srcName, srcPort, dstName, dstPort string) error {
	p.mu.Lock()
	src, ok := p.nodes[srcName]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: source node %q", ErrNotFound, srcName)
	}
	dst, ok := p.nodes[dstName]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: destination node %q", ErrNotFound, dstName)
	}
	p.mu.Unlock()

	out, ok := findPort(src.OutputPorts(), srcPort)
	if !ok {
		return fmt.Errorf("%w: node %q has no output port %q", ErrNotFound, srcName, srcPort)
	}
	in, ok := findPort(dst.InputPorts(), dstPort)
	if !ok {
		return fmt.Errorf("%w: node %q has no input port %q", ErrNotFound, dstName, dstPort)
	}
	if out.MediaType != in.MediaType {
		return fmt.Errorf("%w: media type mismatch %s -> %s",
			ErrInvalidParameter, out.MediaType.String(), in.MediaType.String())
	}

	if err := src.connectOutput(srcPort, Connection{TargetNode: dstName, TargetPort: dstPort}); err != nil {
		return err
	}

	slog.Debug("[Pipeline] Nodes connected",
		"pipeline", p.name,
		"from", srcName+":"+srcPort,
		"to", dstName+":"+dstPort)
	return nil
}

func findPort(ports []Port, name string) (Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// route carries one frame across the edge recorded on an output port.
// Used as the Forwarder injected into every node.
func (p *Pipeline) route(fromNode, fromPort string, frame *media.Frame) error {
	p.mu.Lock()
	src, ok := p.nodes[fromNode]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: node %q", ErrNotFound, fromNode)
	}
	conn, connected := src.outputConnection(fromPort)
	var dst Node
	if connected {
		dst = p.nodes[conn.TargetNode]
	}
	p.mu.Unlock()

	if !connected || dst == nil {
		return nil
	}
	return dst.Push(conn.TargetPort, frame)
}

// Start brings the whole graph up, consumers first: sinks, then
// filters and processors, then sources. If any node fails, everything
// started so far is stopped again in reverse and the failure returned.
func (p *Pipeline) Start() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	ordered := p.startOrderLocked()
	p.mu.Unlock()

	var started []Node
	for _, n := range ordered {
		if err := n.Start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(); stopErr != nil {
					slog.Warn("[Pipeline] Rollback stop failed",
						"pipeline", p.name, "node", started[i].Name(), "error", stopErr)
				}
			}
			return fmt.Errorf("start pipeline %s: %w", p.name, err)
		}
		started = append(started, n)
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	slog.Info("[Pipeline] Started", "pipeline", p.name, "nodes", len(ordered))
	return nil
}

// Stop tears the graph down, producers first: sources, then filters
// and processors, then sinks. Every node is attempted; failures are
// collected and reported once at the end. The pipeline is marked
// not-running regardless.
func (p *Pipeline) Stop() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	p.mu.Lock()
	ordered := p.startOrderLocked()
	p.running = false
	p.mu.Unlock()

	var errs []error
	for i := len(ordered) - 1; i >= 0; i-- {
		if err := ordered[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("[Pipeline] Stopped", "pipeline", p.name, "failures", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("stop pipeline %s: %w", p.name, errors.Join(errs...))
	}
	return nil
}

// Destroy stops all nodes and empties the graph.
func (p *Pipeline) Destroy() error {
	err := p.Stop()

	p.mu.Lock()
	p.nodes = make(map[string]Node)
	p.mu.Unlock()
	return err
}

// startOrderLocked returns nodes in start order: sinks, then filters,
// processors and customs, then sources. Caller holds p.mu.
func (p *Pipeline) startOrderLocked() []Node {
	var sinks, middle, sources []Node
	for _, n := range p.nodes {
		switch n.Kind() {
		case KindSink:
			sinks = append(sinks, n)
		case KindSource:
			sources = append(sources, n)
		default:
			middle = append(middle, n)
		}
	}

	ordered := make([]Node, 0, len(p.nodes))
	ordered = append(ordered, sinks...)
	ordered = append(ordered, middle...)
	ordered = append(ordered, sources...)
	return ordered
}
