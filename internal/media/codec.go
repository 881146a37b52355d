package media

import (
	"fmt"
	"time"

	"github.com/zaf/g711"
)

// Codec represents an immutable audio codec specification.
// Use the pre-defined codec values (CodecPCMU, CodecPCMA, etc.).
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per frame (typically 20ms)
	Channels    int           // Number of channels (1 for mono)
}

// Pre-defined codecs for common VoIP use cases.
var (
	// CodecPCMU is G.711 µ-law (North America, Japan)
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law (Europe, rest of world)
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}

	// CodecTelephoneEvent is RFC 4733 DTMF events
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond, 1}
)

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the payload bytes per frame.
// For PCMU/PCMA (8-bit encoded), this equals SamplesPerFrame.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// CodecByPayloadType returns the codec registered for an RTP payload type.
func CodecByPayloadType(pt uint8) (Codec, error) {
	switch pt {
	case CodecPCMU.PayloadType:
		return CodecPCMU, nil
	case CodecPCMA.PayloadType:
		return CodecPCMA, nil
	case CodecTelephoneEvent.PayloadType:
		return CodecTelephoneEvent, nil
	default:
		return Codec{}, fmt.Errorf("media: no codec for payload type %d", pt)
	}
}

// CodecByName returns the codec registered under the given name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case CodecPCMU.Name:
		return CodecPCMU, nil
	case CodecPCMA.Name:
		return CodecPCMA, nil
	case CodecTelephoneEvent.Name:
		return CodecTelephoneEvent, nil
	default:
		return Codec{}, fmt.Errorf("media: unknown codec %q", name)
	}
}

// Encode compresses 16-bit little-endian linear PCM into this codec's
// wire format. Only the G.711 codecs are supported; the pipeline treats
// anything else as an opaque pass-through handled elsewhere.
func (c Codec) Encode(lpcm []byte) ([]byte, error) {
	switch c.Name {
	case "PCMU":
		return g711.EncodeUlaw(lpcm), nil
	case "PCMA":
		return g711.EncodeAlaw(lpcm), nil
	default:
		return nil, fmt.Errorf("media: encode not supported for codec %q", c.Name)
	}
}

// Decode expands this codec's wire format into 16-bit little-endian
// linear PCM.
func (c Codec) Decode(payload []byte) ([]byte, error) {
	switch c.Name {
	case "PCMU":
		return g711.DecodeUlaw(payload), nil
	case "PCMA":
		return g711.DecodeAlaw(payload), nil
	default:
		return nil, fmt.Errorf("media: decode not supported for codec %q", c.Name)
	}
}

// Transcode converts a payload directly between the two G.711 variants
// without an intermediate PCM frame allocation by the caller.
func Transcode(from, to Codec, payload []byte) ([]byte, error) {
	if from.Name == to.Name {
		return payload, nil
	}
	switch {
	case from.Name == "PCMU" && to.Name == "PCMA":
		return g711.Ulaw2Alaw(payload), nil
	case from.Name == "PCMA" && to.Name == "PCMU":
		return g711.Alaw2Ulaw(payload), nil
	default:
		return nil, fmt.Errorf("media: transcode %s -> %s not supported", from.Name, to.Name)
	}
}
