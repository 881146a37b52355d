package pipeline

import (
	"fmt"

	"github.com/sebas/rtcbridge/internal/media"
)

// FrameTransform rewrites one frame into another. Returning nil drops
// the frame without error.
type FrameTransform func(frame *media.Frame) (*media.Frame, error)

// FilterNode is a one-in one-out transform stage.
type FilterNode struct {
	*baseNode
}

func newFilter(name string, inputs, outputs []Port, transform FrameTransform) *FilterNode {
	f := &FilterNode{}
	f.baseNode = newBaseNode(name, KindFilter, inputs, outputs, nodeHooks{
		onFrame: func(_ string, frame *media.Frame) ([]outFrame, error) {
			out, err := transform(frame)
			if err != nil {
				return nil, err
			}
			if out == nil {
				return nil, nil
			}
			return []outFrame{{port: "out", frame: out}}, nil
		},
	})
	return f
}

// NewFormatConverterFilter creates a filter converting between the two
// G.711 encodings without an intermediate PCM stage.
func NewFormatConverterFilter(name string, from, to media.Codec) *FilterNode {
	return newFilter(name, audioIn(from.Name), audioOut(to.Name), func(frame *media.Frame) (*media.Frame, error) {
		data, err := media.Transcode(from, to, frame.Data)
		if err != nil {
			return nil, err
		}
		out := frame.Clone()
		out.Format = to.Name
		out.Data = data
		return out, nil
	})
}

// Property keys understood by the resize filter.
const (
	PropWidth  = "width"
	PropHeight = "height"
)

// NewResizeFilter creates a video passthrough stage that stamps the
// configured output dimensions onto the frame format. Actual scaling
// is an opaque transform outside this graph's scope.
func NewResizeFilter(name string, width, height int) *FilterNode {
	in := []Port{{Name: "in", MediaType: media.TypeVideo, IsInput: true, Format: "raw"}}
	out := []Port{{Name: "out", MediaType: media.TypeVideo, Format: "raw"}}

	f := newFilter(name, in, out, nil)
	f.SetProperty(PropWidth, width)
	f.SetProperty(PropHeight, height)
	f.hooks.onFrame = func(_ string, frame *media.Frame) ([]outFrame, error) {
		w, _ := f.Property(PropWidth)
		h, _ := f.Property(PropHeight)
		resized := frame.Clone()
		resized.Format = fmt.Sprintf("raw/%vx%v", w, h)
		return []outFrame{{port: "out", frame: resized}}, nil
	}
	return f
}

// NewCustomFilter creates a filter around a caller-supplied transform.
func NewCustomFilter(name, format string, transform FrameTransform) *FilterNode {
	return newFilter(name, audioIn(format), audioOut(format), transform)
}
