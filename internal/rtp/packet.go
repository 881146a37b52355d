// Package rtp implements the RTP/RTCP wire formats of RFC 3550 and the
// stream/session model that carries media over them.
package rtp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInvalidPacket indicates a datagram that cannot be a valid
	// RTP or RTCP packet (truncated, bad version, inconsistent counts).
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrNotImplemented indicates a well-formed packet of a type this
	// implementation does not handle (RTCP SDES, BYE, APP).
	ErrNotImplemented = errors.New("packet type not implemented")
)

const (
	// HeaderSize is the fixed RTP header size before CSRC entries.
	HeaderSize = 12

	rtpVersion = 2
	maxCSRC    = 15
)

// Header is the fixed RTP header plus the CSRC list (RFC 3550 §5.1).
type Header struct {
	Version        uint8
	Padding        bool
	Extension      bool
	Marker         bool
	PayloadType    uint8 // 7 bits
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRC           []uint32
}

// Packet is one RTP packet: header plus payload.
type Packet struct {
	Header
	Payload []byte
}

// MarshalSize returns the serialized size of the packet in bytes.
func (p *Packet) MarshalSize() int {
	return HeaderSize + 4*len(p.CSRC) + len(p.Payload)
}

// Marshal serializes the packet per the RFC 3550 byte layout. The CSRC
// count field is derived from len(CSRC); more than 15 entries is an error.
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.CSRC) > maxCSRC {
		return nil, fmt.Errorf("%w: %d CSRC entries exceeds 15", ErrInvalidPacket, len(p.CSRC))
	}
	if p.PayloadType > 0x7F {
		return nil, fmt.Errorf("%w: payload type %d exceeds 7 bits", ErrInvalidPacket, p.PayloadType)
	}

	buf := make([]byte, p.MarshalSize())

	// Byte 0: V(2) P(1) X(1) CC(4)
	buf[0] = rtpVersion << 6
	if p.Padding {
		buf[0] |= 1 << 5
	}
	if p.Extension {
		buf[0] |= 1 << 4
	}
	buf[0] |= uint8(len(p.CSRC))

	// Byte 1: M(1) PT(7)
	buf[1] = p.PayloadType
	if p.Marker {
		buf[1] |= 1 << 7
	}

	binary.BigEndian.PutUint16(buf[2:4], p.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.SSRC)

	off := HeaderSize
	for _, csrc := range p.CSRC {
		binary.BigEndian.PutUint32(buf[off:off+4], csrc)
		off += 4
	}
	copy(buf[off:], p.Payload)

	return buf, nil
}

// Unmarshal parses an RTP packet. It fails with ErrInvalidPacket on
// datagrams shorter than the fixed header, or shorter than the declared
// CSRC list requires.
func (p *Packet) Unmarshal(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidPacket, len(b), HeaderSize)
	}

	version := b[0] >> 6
	if version != rtpVersion {
		return fmt.Errorf("%w: RTP version %d", ErrInvalidPacket, version)
	}

	cc := int(b[0] & 0x0F)
	if len(b) < HeaderSize+4*cc {
		return fmt.Errorf("%w: %d bytes, need %d for %d CSRC entries",
			ErrInvalidPacket, len(b), HeaderSize+4*cc, cc)
	}

	p.Version = version
	p.Padding = b[0]&(1<<5) != 0
	p.Extension = b[0]&(1<<4) != 0
	p.Marker = b[1]&(1<<7) != 0
	p.PayloadType = b[1] & 0x7F
	p.SequenceNumber = binary.BigEndian.Uint16(b[2:4])
	p.Timestamp = binary.BigEndian.Uint32(b[4:8])
	p.SSRC = binary.BigEndian.Uint32(b[8:12])

	p.CSRC = make([]uint32, cc)
	off := HeaderSize
	for i := 0; i < cc; i++ {
		p.CSRC[i] = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}

	p.Payload = make([]byte, len(b)-off)
	copy(p.Payload, b[off:])

	return nil
}
