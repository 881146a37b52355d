package pipeline

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sebas/rtcbridge/internal/media"
)

// ProcessorNode is a transform stage with a processor-specific port
// set: encoders and decoders are one-in one-out, mixers fan in,
// splitters fan out.
type ProcessorNode struct {
	*baseNode
}

// lpcmFormat is the format name of 16-bit little-endian linear PCM
// frames between codec stages.
const lpcmFormat = "L16"

// NewEncoderProcessor creates a processor compressing linear PCM into
// the codec's wire format.
func NewEncoderProcessor(name string, codec media.Codec) *ProcessorNode {
	p := &ProcessorNode{}
	p.baseNode = newBaseNode(name, KindProcessor, audioIn(lpcmFormat), audioOut(codec.Name), nodeHooks{
		onFrame: func(_ string, frame *media.Frame) ([]outFrame, error) {
			data, err := codec.Encode(frame.Data)
			if err != nil {
				return nil, err
			}
			out := frame.Clone()
			out.Format = codec.Name
			out.Data = data
			return []outFrame{{port: "out", frame: out}}, nil
		},
	})
	return p
}

// NewDecoderProcessor creates a processor expanding the codec's wire
// format into linear PCM.
func NewDecoderProcessor(name string, codec media.Codec) *ProcessorNode {
	p := &ProcessorNode{}
	p.baseNode = newBaseNode(name, KindProcessor, audioIn(codec.Name), audioOut(lpcmFormat), nodeHooks{
		onFrame: func(_ string, frame *media.Frame) ([]outFrame, error) {
			data, err := codec.Decode(frame.Data)
			if err != nil {
				return nil, err
			}
			out := frame.Clone()
			out.Format = lpcmFormat
			out.Data = data
			return []outFrame{{port: "out", frame: out}}, nil
		},
	})
	return p
}

// NewMixerProcessor creates a processor summing linear PCM from two
// inputs. A frame on one input is held until its pair arrives on the
// other; mismatched arrival rates overwrite the held frame.
func NewMixerProcessor(name string) *ProcessorNode {
	inputs := []Port{
		{Name: "in1", MediaType: media.TypeAudio, IsInput: true, Format: lpcmFormat},
		{Name: "in2", MediaType: media.TypeAudio, IsInput: true, Format: lpcmFormat},
	}

	var mu sync.Mutex
	pending := make(map[string]*media.Frame)

	p := &ProcessorNode{}
	p.baseNode = newBaseNode(name, KindProcessor, inputs, audioOut(lpcmFormat), nodeHooks{
		onFrame: func(port string, frame *media.Frame) ([]outFrame, error) {
			otherPort := "in2"
			if port == "in2" {
				otherPort = "in1"
			}

			mu.Lock()
			other, ok := pending[otherPort]
			if !ok {
				pending[port] = frame
				mu.Unlock()
				return nil, nil
			}
			delete(pending, otherPort)
			mu.Unlock()

			mixed, err := mixPCM16(frame, other)
			if err != nil {
				return nil, err
			}
			return []outFrame{{port: "out", frame: mixed}}, nil
		},
	})
	return p
}

// mixPCM16 sums two 16-bit PCM frames sample by sample with clamping.
func mixPCM16(a, b *media.Frame) (*media.Frame, error) {
	if len(a.Data)%2 != 0 || len(b.Data)%2 != 0 {
		return nil, fmt.Errorf("%w: PCM frame with odd byte count", ErrInvalidParameter)
	}

	shorter, longer := a.Data, b.Data
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}

	mixed := make([]byte, len(longer))
	copy(mixed, longer)
	for i := 0; i+1 < len(shorter); i += 2 {
		sa := int32(int16(binary.LittleEndian.Uint16(shorter[i:])))
		sb := int32(int16(binary.LittleEndian.Uint16(longer[i:])))
		sum := sa + sb
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		binary.LittleEndian.PutUint16(mixed[i:], uint16(int16(sum)))
	}

	out := a.Clone()
	out.Data = mixed
	return out, nil
}

// NewSplitterProcessor creates a processor duplicating its input onto
// n output ports named out1..outN. Fan-out lives here: individual
// output ports still hold a single connection each.
func NewSplitterProcessor(name, format string, n int) *ProcessorNode {
	if n < 1 {
		n = 1
	}

	outputs := make([]Port, 0, n)
	for i := 1; i <= n; i++ {
		outputs = append(outputs, Port{
			Name:      fmt.Sprintf("out%d", i),
			MediaType: media.TypeAudio,
			Format:    format,
		})
	}

	p := &ProcessorNode{}
	p.baseNode = newBaseNode(name, KindProcessor, audioIn(format), outputs, nodeHooks{
		onFrame: func(_ string, frame *media.Frame) ([]outFrame, error) {
			outs := make([]outFrame, 0, len(outputs))
			for _, port := range outputs {
				outs = append(outs, outFrame{port: port.Name, frame: frame.Clone()})
			}
			return outs, nil
		},
	})
	return p
}
