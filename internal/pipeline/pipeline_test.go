package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/rtcbridge/internal/media"
)

// failingNode fails the chosen lifecycle transition.
type failingNode struct {
	*baseNode
}

func newFailingNode(name string, kind Kind, failStart, failStop bool) *failingNode {
	hooks := nodeHooks{}
	if failStart {
		hooks.onStart = func() error { return errors.New("start refused") }
	}
	if failStop {
		hooks.onStop = func() error { return errors.New("stop refused") }
	}
	return &failingNode{
		baseNode: newBaseNode(name, kind, audioIn("PCMU"), audioOut("PCMU"), hooks),
	}
}

func TestAddNodeRejectsDuplicateName(t *testing.T) {
	p := New("test")
	require.NoError(t, p.AddNode(NewNullSink("n", "PCMU")))

	err := p.AddNode(NewNullSink("n", "PCMU"))
	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.Equal(t, 1, p.NodeCount())
}

func TestConnectValidation(t *testing.T) {
	p := New("test")
	src := NewTestSource("src", media.CodecPCMU)
	sink := NewNullSink("sink", "PCMU")
	require.NoError(t, p.AddNode(src))
	require.NoError(t, p.AddNode(sink))

	assert.ErrorIs(t, p.Connect("ghost", "out", "sink", "in"), ErrNotFound)
	assert.ErrorIs(t, p.Connect("src", "out", "ghost", "in"), ErrNotFound)
	assert.ErrorIs(t, p.Connect("src", "nope", "sink", "in"), ErrNotFound)
	assert.ErrorIs(t, p.Connect("src", "out", "sink", "nope"), ErrNotFound)

	video := newBaseNode("video", KindSink,
		[]Port{{Name: "in", MediaType: media.TypeVideo, IsInput: true}}, nil, nodeHooks{})
	require.NoError(t, p.AddNode(&failingNode{baseNode: video}))
	assert.ErrorIs(t, p.Connect("src", "out", "video", "in"), ErrInvalidParameter)

	require.NoError(t, p.Connect("src", "out", "sink", "in"))
}

func TestConnectLastWriteWins(t *testing.T) {
	p := New("test")
	src := NewTestSource("src", media.CodecPCMU)
	sinkA := NewNullSink("a", "PCMU")
	sinkB := NewNullSink("b", "PCMU")
	require.NoError(t, p.AddNode(src))
	require.NoError(t, p.AddNode(sinkA))
	require.NoError(t, p.AddNode(sinkB))

	require.NoError(t, p.Connect("src", "out", "a", "in"))
	require.NoError(t, p.Connect("src", "out", "b", "in"))

	conn, ok := src.outputConnection("out")
	require.True(t, ok)
	assert.Equal(t, Connection{TargetNode: "b", TargetPort: "in"}, conn)
}

func TestFrameFlowThroughGraph(t *testing.T) {
	p := New("test")

	source := NewNetworkSource("src", "PCMU")
	doubled := 0
	var mu sync.Mutex
	filter := NewCustomFilter("filter", "PCMU", func(frame *media.Frame) (*media.Frame, error) {
		mu.Lock()
		doubled++
		mu.Unlock()
		out := frame.Clone()
		return out, nil
	})
	sink := NewNullSink("sink", "PCMU")

	require.NoError(t, p.AddNode(source))
	require.NoError(t, p.AddNode(filter))
	require.NoError(t, p.AddNode(sink))
	require.NoError(t, p.Connect("src", "out", "filter", "in"))
	require.NoError(t, p.Connect("filter", "out", "sink", "in"))
	require.NoError(t, p.Start())
	defer func() { _ = p.Stop() }()

	for i := 0; i < 3; i++ {
		require.NoError(t, source.Deliver(&media.Frame{
			Type: media.TypeAudio, Format: "PCMU", Data: []byte{1, 2, 3},
		}))
	}

	mu.Lock()
	assert.Equal(t, 3, doubled)
	mu.Unlock()
	assert.Equal(t, uint64(3), sink.FrameCount())
}

func TestStartRollsBackOnFailure(t *testing.T) {
	p := New("test")

	sink := NewNullSink("sink", "PCMU")
	bad := newFailingNode("bad", KindSource, true, false)

	require.NoError(t, p.AddNode(sink))
	require.NoError(t, p.AddNode(bad))

	err := p.Start()
	require.Error(t, err)
	assert.False(t, p.IsRunning())

	// Sinks start before sources, so the sink was started and must be
	// rolled back to Stopped.
	assert.Equal(t, StateStopped, sink.State())
}

func TestStartOrderSinkBeforeSource(t *testing.T) {
	p := New("test")

	var mu sync.Mutex
	var order []string
	track := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	src := &failingNode{baseNode: newBaseNode("src", KindSource, nil, audioOut("PCMU"),
		nodeHooks{onStart: track("src")})}
	mid := &failingNode{baseNode: newBaseNode("mid", KindFilter, audioIn("PCMU"), audioOut("PCMU"),
		nodeHooks{onStart: track("mid")})}
	sink := &failingNode{baseNode: newBaseNode("sink", KindSink, audioIn("PCMU"), nil,
		nodeHooks{onStart: track("sink")})}

	require.NoError(t, p.AddNode(src))
	require.NoError(t, p.AddNode(mid))
	require.NoError(t, p.AddNode(sink))
	require.NoError(t, p.Start())
	defer func() { _ = p.Stop() }()

	assert.Equal(t, []string{"sink", "mid", "src"}, order)
	assert.True(t, p.IsRunning())
}

func TestStopWaitsForInFlightStart(t *testing.T) {
	p := New("test")

	sink := NewNullSink("sink", "PCMU")
	entered := make(chan struct{})
	gate := make(chan struct{})
	src := &failingNode{baseNode: newBaseNode("src", KindSource, nil, audioOut("PCMU"),
		nodeHooks{onStart: func() error {
			close(entered)
			<-gate
			return nil
		}})}

	require.NoError(t, p.AddNode(sink))
	require.NoError(t, p.AddNode(src))

	startDone := make(chan error, 1)
	go func() { startDone <- p.Start() }()
	<-entered

	stopDone := make(chan error, 1)
	go func() { stopDone <- p.Stop() }()

	select {
	case <-stopDone:
		t.Fatal("Stop must not complete while Start is still in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-startDone)
	require.NoError(t, <-stopDone)

	assert.False(t, p.IsRunning())
	assert.Equal(t, StateStopped, sink.State())
	assert.Equal(t, StateStopped, src.State())
}

func TestStopCollectsFailuresAndAttemptsAll(t *testing.T) {
	p := New("test")

	good := NewNullSink("good", "PCMU")
	bad := newFailingNode("bad", KindSource, false, true)

	require.NoError(t, p.AddNode(good))
	require.NoError(t, p.AddNode(bad))
	require.NoError(t, p.Start())

	err := p.Stop()
	require.Error(t, err)

	// The failing node did not prevent the other from stopping, and
	// the pipeline is marked not-running regardless.
	assert.False(t, p.IsRunning())
	assert.Equal(t, StateStopped, good.State())
	assert.Equal(t, StateStopped, bad.State())
}

func TestRemoveNodeAlwaysRemoves(t *testing.T) {
	p := New("test")
	bad := newFailingNode("bad", KindSource, false, true)

	var events []Event
	var mu sync.Mutex
	bad.OnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.NoError(t, p.AddNode(bad))
	require.NoError(t, bad.Start())

	err := p.RemoveNode("bad")
	require.Error(t, err)

	_, ok := p.Node("bad")
	assert.False(t, ok, "node must be removed despite the stop failure")

	mu.Lock()
	defer mu.Unlock()
	var sawError bool
	for _, ev := range events {
		if ev.Kind == EventError {
			sawError = true
		}
	}
	assert.True(t, sawError)

	assert.ErrorIs(t, p.RemoveNode("bad"), ErrNotFound)
}

func TestNodeLifecycle(t *testing.T) {
	n := NewNullSink("n", "PCMU")
	assert.Equal(t, StateUninitialized, n.State())

	require.NoError(t, n.Initialize())
	assert.Equal(t, StateInitialized, n.State())
	require.NoError(t, n.Initialize()) // idempotent

	require.NoError(t, n.Start())
	assert.Equal(t, StateRunning, n.State())

	require.NoError(t, n.Stop())
	assert.Equal(t, StateStopped, n.State())

	require.NoError(t, n.Reset())
	assert.Equal(t, StateInitialized, n.State())
}

func TestStartAutoInitializes(t *testing.T) {
	n := NewNullSink("n", "PCMU")
	require.NoError(t, n.Start())
	assert.Equal(t, StateRunning, n.State())
}

func TestPushValidation(t *testing.T) {
	n := NewNullSink("n", "PCMU")
	frame := &media.Frame{Type: media.TypeAudio, Format: "PCMU"}

	assert.ErrorIs(t, n.Push("nope", frame), ErrNotFound)
	assert.ErrorIs(t, n.Push("in", frame), ErrInvalidState)

	require.NoError(t, n.Start())
	assert.NoError(t, n.Push("in", frame))
}

func TestPropertyBag(t *testing.T) {
	n := NewResizeFilter("resize", 640, 480)

	assert.True(t, n.HasProperty(PropWidth))
	w, ok := n.Property(PropWidth)
	assert.True(t, ok)
	assert.Equal(t, 640, w)

	n.SetProperty(PropWidth, 1280)
	w, _ = n.Property(PropWidth)
	assert.Equal(t, 1280, w)

	assert.False(t, n.HasProperty("missing"))
}

func TestFormatConverterFilter(t *testing.T) {
	f := NewFormatConverterFilter("conv", media.CodecPCMU, media.CodecPCMA)
	require.NoError(t, f.Start())

	sink := NewNullSink("sink", "PCMA")
	p := New("t")
	require.NoError(t, p.AddNode(f))
	require.NoError(t, p.AddNode(sink))
	require.NoError(t, p.Connect("conv", "out", "sink", "in"))
	require.NoError(t, sink.Start())

	in := &media.Frame{Type: media.TypeAudio, Format: "PCMU", Data: []byte{0xFF, 0x7F, 0x00}}
	require.NoError(t, f.Push("in", in))
	assert.Equal(t, uint64(1), sink.FrameCount())
}

func TestSplitterDuplicatesFrames(t *testing.T) {
	p := New("t")
	split := NewSplitterProcessor("split", "PCMU", 2)
	a := NewNullSink("a", "PCMU")
	b := NewNullSink("b", "PCMU")

	require.NoError(t, p.AddNode(split))
	require.NoError(t, p.AddNode(a))
	require.NoError(t, p.AddNode(b))
	require.NoError(t, p.Connect("split", "out1", "a", "in"))
	require.NoError(t, p.Connect("split", "out2", "b", "in"))
	require.NoError(t, p.Start())
	defer func() { _ = p.Stop() }()

	frame := &media.Frame{Type: media.TypeAudio, Format: "PCMU", Data: []byte{9}}
	require.NoError(t, split.Push("in", frame))

	assert.Equal(t, uint64(1), a.FrameCount())
	assert.Equal(t, uint64(1), b.FrameCount())
}

func TestMixerPairsFrames(t *testing.T) {
	p := New("t")
	mix := NewMixerProcessor("mix")
	sink := NewNullSink("sink", lpcmFormat)

	require.NoError(t, p.AddNode(mix))
	require.NoError(t, p.AddNode(sink))
	require.NoError(t, p.Connect("mix", "out", "sink", "in"))
	require.NoError(t, p.Start())
	defer func() { _ = p.Stop() }()

	pcm := []byte{0x10, 0x00, 0x10, 0x00} // two samples of 16
	require.NoError(t, mix.Push("in1", &media.Frame{Type: media.TypeAudio, Format: lpcmFormat, Data: pcm}))
	assert.Equal(t, uint64(0), sink.FrameCount(), "waits for the paired input")

	require.NoError(t, mix.Push("in2", &media.Frame{Type: media.TypeAudio, Format: lpcmFormat, Data: pcm}))
	assert.Equal(t, uint64(1), sink.FrameCount())
}
