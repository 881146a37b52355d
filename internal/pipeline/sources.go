package pipeline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sebas/rtcbridge/internal/media"
)

// SourceNode is a node that originates frames. Frames arrive either
// from an external producer through Deliver or from the node's own
// generator goroutine.
type SourceNode struct {
	*baseNode
}

// Deliver injects a frame into the source, which forwards it through
// its output connection. Used by producers outside the graph (capture
// devices, RTP receive paths).
func (s *SourceNode) Deliver(frame *media.Frame) error {
	if s.State() != StateRunning {
		return fmt.Errorf("%w: source %s is not running", ErrInvalidState, s.Name())
	}
	return s.emitFrame("out", frame)
}

// NewDeviceSource creates a source fed by an external capture device
// through Deliver.
func NewDeviceSource(name, format string) *SourceNode {
	return &SourceNode{
		baseNode: newBaseNode(name, KindSource, nil, audioOut(format), nodeHooks{}),
	}
}

// NewNetworkSource creates a source fed by a network receive path
// through Deliver.
func NewNetworkSource(name, format string) *SourceNode {
	return &SourceNode{
		baseNode: newBaseNode(name, KindSource, nil, audioOut(format), nodeHooks{}),
	}
}

// tickingSource runs a generator goroutine at the codec's frame
// cadence while the node is running.
type tickingSource struct {
	*SourceNode

	codec media.Codec

	mu        sync.Mutex
	nextFrame func() (*media.Frame, error)
	timestamp uint32
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func (t *tickingSource) start() error {
	t.mu.Lock()
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	t.wg.Add(1)
	go t.generate(stopCh)
	return nil
}

func (t *tickingSource) stop() error {
	t.mu.Lock()
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *tickingSource) generate(stopCh chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.codec.SampleDur)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			frame, err := t.nextFrame()
			if frame != nil {
				frame.Timestamp = t.timestamp
				t.timestamp += t.codec.TimestampIncrement()
			}
			t.mu.Unlock()

			if err != nil {
				return
			}
			if frame != nil {
				_ = t.emitFrame("out", frame)
			}
		}
	}
}

// NewFileSource creates a source that reads fixed-size frames from a
// reader at the codec's frame cadence, stopping at EOF.
func NewFileSource(name string, r io.Reader, codec media.Codec) *SourceNode {
	src := &tickingSource{codec: codec}
	src.nextFrame = func() (*media.Frame, error) {
		buf := make([]byte, codec.BytesPerFrame())
		n, err := io.ReadFull(r, buf)
		if n == 0 {
			return nil, err
		}
		return &media.Frame{Type: media.TypeAudio, Format: codec.Name, Data: buf[:n]}, err
	}

	src.SourceNode = &SourceNode{
		baseNode: newBaseNode(name, KindSource, nil, audioOut(codec.Name), nodeHooks{
			onStart: src.start,
			onStop:  src.stop,
		}),
	}
	return src.SourceNode
}

// NewTestSource creates a source that generates silence frames at the
// codec's frame cadence. G.711 silence is the encoded zero sample.
func NewTestSource(name string, codec media.Codec) *SourceNode {
	fill := byte(0xFF) // mu-law zero
	if codec.Name == "PCMA" {
		fill = 0xD5 // A-law zero
	}

	src := &tickingSource{codec: codec}
	src.nextFrame = func() (*media.Frame, error) {
		data := make([]byte, codec.BytesPerFrame())
		for i := range data {
			data[i] = fill
		}
		return &media.Frame{Type: media.TypeAudio, Format: codec.Name, Data: data}, nil
	}

	src.SourceNode = &SourceNode{
		baseNode: newBaseNode(name, KindSource, nil, audioOut(codec.Name), nodeHooks{
			onStart: src.start,
			onStop:  src.stop,
		}),
	}
	return src.SourceNode
}
