package media

import "fmt"

// Type identifies the media carried by a frame, stream, or pipeline port.
type Type int

const (
	// TypeAudio is audio media
	TypeAudio Type = iota
	// TypeVideo is video media
	TypeVideo
	// TypeData is non-media application data
	TypeData
)

// String returns the string representation of the media type
func (t Type) String() string {
	switch t {
	case TypeAudio:
		return "audio"
	case TypeVideo:
		return "video"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// Frame is the unit of media exchanged between pipeline nodes and streams.
// Data is owned by the frame; nodes that retain it past the call must copy.
type Frame struct {
	Type      Type
	Format    string // payload format name, e.g. "PCMU", "L16"
	Data      []byte
	Timestamp uint32 // media clock timestamp (RTP units)
	Marker    bool   // start of talkspurt / end of frame group
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{
		Type:      f.Type,
		Format:    f.Format,
		Data:      data,
		Timestamp: f.Timestamp,
		Marker:    f.Marker,
	}
}
