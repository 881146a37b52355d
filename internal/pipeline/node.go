// Package pipeline implements a media-processing node graph: typed
// nodes with ports, directed port connections, and ordered lifecycle
// control so consumers always outlive the producers feeding them.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/rtcbridge/internal/media"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidParameter indicates a bad API argument.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidState indicates an operation not valid in the node's
	// or pipeline's current lifecycle state.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound indicates a missing node or port.
	ErrNotFound = errors.New("not found")
)

// Kind classifies a node's role in the graph.
type Kind int

// Node kinds.
const (
	KindSource Kind = iota
	KindSink
	KindFilter
	KindProcessor
	KindCustom
)

var kindNames = map[Kind]string{
	KindSource:    "Source",
	KindSink:      "Sink",
	KindFilter:    "Filter",
	KindProcessor: "Processor",
	KindCustom:    "Custom",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// State is a node's lifecycle state.
type State int

// Node lifecycle states.
const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
)

var stateNames = map[State]string{
	StateUninitialized: "Uninitialized",
	StateInitialized:   "Initialized",
	StateRunning:       "Running",
	StateStopped:       "Stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Port is a named, typed attachment point on a node.
type Port struct {
	Name      string
	MediaType media.Type
	IsInput   bool
	Format    string
}

// Connection is the outbound edge recorded on a source node's output
// port. Each output port holds at most one.
type Connection struct {
	TargetNode string
	TargetPort string
}

// EventKind classifies node events.
type EventKind int

// Node event kinds.
const (
	EventStarted EventKind = iota
	EventStopped
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "Started"
	case EventStopped:
		return "Stopped"
	default:
		return "Error"
	}
}

// Event describes a node lifecycle occurrence.
type Event struct {
	Node string
	Kind EventKind
	Err  error
}

// EventListener observes node events. Listeners run outside the node's
// lock.
type EventListener func(Event)

// Forwarder routes a frame leaving a node's output port to whatever
// that port is connected to. Injected by the owning pipeline so nodes
// never hold a pipeline back-reference.
type Forwarder func(fromNode, fromPort string, frame *media.Frame) error

// Node is one vertex of a media pipeline.
type Node interface {
	Name() string
	Kind() Kind
	State() State
	InputPorts() []Port
	OutputPorts() []Port

	Initialize() error
	Start() error
	Stop() error
	Reset() error

	// Push delivers a frame to a named input port.
	Push(port string, frame *media.Frame) error

	SetProperty(key string, value any)
	Property(key string) (any, bool)
	HasProperty(key string) bool

	OnEvent(fn EventListener)

	setForwarder(fw Forwarder)
	connectOutput(port string, conn Connection) error
	outputConnection(port string) (Connection, bool)
}

// nodeHooks are the specialization points a concrete node fills in.
// All are optional.
type nodeHooks struct {
	onInitialize func() error
	onStart      func() error
	onStop       func() error

	// onFrame handles a frame arriving on an input port. The returned
	// frames are forwarded on the named output ports.
	onFrame func(port string, frame *media.Frame) ([]outFrame, error)
}

type outFrame struct {
	port  string
	frame *media.Frame
}

// baseNode carries the behavior every node shares: lifecycle, ports,
// the property bag, connections and event fan-out.
type baseNode struct {
	name string
	kind Kind

	mu          sync.Mutex
	state       State
	inputs      []Port
	outputs     []Port
	connections map[string]Connection
	props       map[string]any
	listeners   []EventListener
	forward     Forwarder

	hooks nodeHooks
}

func newBaseNode(name string, kind Kind, inputs, outputs []Port, hooks nodeHooks) *baseNode {
	return &baseNode{
		name:        name,
		kind:        kind,
		state:       StateUninitialized,
		inputs:      inputs,
		outputs:     outputs,
		connections: make(map[string]Connection),
		props:       make(map[string]any),
		hooks:       hooks,
	}
}

func (n *baseNode) Name() string { return n.name }
func (n *baseNode) Kind() Kind   { return n.kind }

func (n *baseNode) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *baseNode) InputPorts() []Port {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Port, len(n.inputs))
	copy(out, n.inputs)
	return out
}

func (n *baseNode) OutputPorts() []Port {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Port, len(n.outputs))
	copy(out, n.outputs)
	return out
}

func (n *baseNode) inputPort(name string) (Port, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

func (n *baseNode) outputPort(name string) (Port, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Initialize is idempotent: a node already at Initialized or beyond is
// left alone.
func (n *baseNode) Initialize() error {
	n.mu.Lock()
	if n.state != StateUninitialized {
		n.mu.Unlock()
		return nil
	}
	hook := n.hooks.onInitialize
	n.mu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			n.emit(Event{Node: n.name, Kind: EventError, Err: err})
			return fmt.Errorf("initialize %s: %w", n.name, err)
		}
	}

	n.mu.Lock()
	n.state = StateInitialized
	n.mu.Unlock()
	return nil
}

// Start auto-initializes if needed, then moves the node to Running.
func (n *baseNode) Start() error {
	if err := n.Initialize(); err != nil {
		return err
	}

	n.mu.Lock()
	if n.state == StateRunning {
		n.mu.Unlock()
		return nil
	}
	hook := n.hooks.onStart
	n.mu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			n.emit(Event{Node: n.name, Kind: EventError, Err: err})
			return fmt.Errorf("start %s: %w", n.name, err)
		}
	}

	n.mu.Lock()
	n.state = StateRunning
	n.mu.Unlock()

	n.emit(Event{Node: n.name, Kind: EventStarted})
	return nil
}

// Stop moves the node to Stopped. Stopping a node that never ran is a
// no-op.
func (n *baseNode) Stop() error {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return nil
	}
	hook := n.hooks.onStop
	n.mu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			n.emit(Event{Node: n.name, Kind: EventError, Err: err})
			// The node is marked Stopped regardless so teardown
			// never wedges on a failing node.
			n.mu.Lock()
			n.state = StateStopped
			n.mu.Unlock()
			return fmt.Errorf("stop %s: %w", n.name, err)
		}
	}

	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()

	n.emit(Event{Node: n.name, Kind: EventStopped})
	return nil
}

// Reset stops a running node, then re-initializes it.
func (n *baseNode) Reset() error {
	if err := n.Stop(); err != nil {
		return err
	}

	n.mu.Lock()
	n.state = StateUninitialized
	n.mu.Unlock()

	return n.Initialize()
}

// Push delivers a frame to an input port. Frame-level failures are
// contained here: they are returned to the immediate caller and never
// change the node's lifecycle state.
func (n *baseNode) Push(port string, frame *media.Frame) error {
	if _, ok := n.inputPort(port); !ok {
		return fmt.Errorf("%w: node %s has no input port %q", ErrNotFound, n.name, port)
	}

	n.mu.Lock()
	running := n.state == StateRunning
	hook := n.hooks.onFrame
	n.mu.Unlock()

	if !running {
		return fmt.Errorf("%w: node %s is not running", ErrInvalidState, n.name)
	}
	if hook == nil {
		return nil
	}

	outs, err := hook(port, frame)
	if err != nil {
		return fmt.Errorf("process frame on %s: %w", n.name, err)
	}
	for _, out := range outs {
		if err := n.emitFrame(out.port, out.frame); err != nil {
			slog.Debug("[Pipeline] Dropping frame", "node", n.name, "port", out.port, "error", err)
		}
	}
	return nil
}

// emitFrame forwards a frame out of one of this node's output ports.
// Unconnected ports silently drop.
func (n *baseNode) emitFrame(port string, frame *media.Frame) error {
	n.mu.Lock()
	forward := n.forward
	_, connected := n.connections[port]
	n.mu.Unlock()

	if forward == nil || !connected {
		return nil
	}
	return forward(n.name, port, frame)
}

func (n *baseNode) SetProperty(key string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.props[key] = value
}

func (n *baseNode) Property(key string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.props[key]
	return v, ok
}

func (n *baseNode) HasProperty(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.props[key]
	return ok
}

func (n *baseNode) OnEvent(fn EventListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *baseNode) emit(ev Event) {
	n.mu.Lock()
	listeners := make([]EventListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (n *baseNode) setForwarder(fw Forwarder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forward = fw
}

// connectOutput records an outbound connection, replacing any prior
// one on the same port.
func (n *baseNode) connectOutput(port string, conn Connection) error {
	if _, ok := n.outputPort(port); !ok {
		return fmt.Errorf("%w: node %s has no output port %q", ErrNotFound, n.name, port)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connections[port] = conn
	return nil
}

func (n *baseNode) outputConnection(port string) (Connection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn, ok := n.connections[port]
	return conn, ok
}

// audioIn and audioOut are the standard single-port sets most audio
// nodes use.
func audioIn(format string) []Port {
	return []Port{{Name: "in", MediaType: media.TypeAudio, IsInput: true, Format: format}}
}

func audioOut(format string) []Port {
	return []Port{{Name: "out", MediaType: media.TypeAudio, Format: format}}
}
