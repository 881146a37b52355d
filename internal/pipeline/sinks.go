package pipeline

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sebas/rtcbridge/internal/media"
)

// FrameConsumer receives frames leaving the graph through a sink.
type FrameConsumer func(frame *media.Frame) error

// SinkNode is a node that consumes frames.
type SinkNode struct {
	*baseNode
	frames atomic.Uint64
}

// FrameCount returns the number of frames the sink has consumed.
func (s *SinkNode) FrameCount() uint64 { return s.frames.Load() }

func newSink(name, format string, consume FrameConsumer) *SinkNode {
	sink := &SinkNode{}
	sink.baseNode = newBaseNode(name, KindSink, audioIn(format), nil, nodeHooks{
		onFrame: func(_ string, frame *media.Frame) ([]outFrame, error) {
			sink.frames.Add(1)
			if consume == nil {
				return nil, nil
			}
			return nil, consume(frame)
		},
	})
	return sink
}

// NewNullSink creates a sink that counts and discards frames.
func NewNullSink(name, format string) *SinkNode {
	return newSink(name, format, nil)
}

// NewDeviceSink creates a sink that hands frames to an external
// playback device.
func NewDeviceSink(name, format string, consume FrameConsumer) *SinkNode {
	return newSink(name, format, consume)
}

// NewNetworkSink creates a sink that hands frames to a network send
// path, typically an RTP stream.
func NewNetworkSink(name, format string, send FrameConsumer) *SinkNode {
	return newSink(name, format, send)
}

// NewFileSink creates a sink that appends raw frame data to a writer.
func NewFileSink(name, format string, w io.Writer) *SinkNode {
	var mu sync.Mutex
	return newSink(name, format, func(frame *media.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := w.Write(frame.Data)
		return err
	})
}
