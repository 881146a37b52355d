package rtp

import (
	"encoding/binary"
	"fmt"
)

// RTCP packet types (RFC 3550 §12.1).
const (
	rtcpTypeSR   = 200
	rtcpTypeRR   = 201
	rtcpTypeSDES = 202
	rtcpTypeBYE  = 203
	rtcpTypeAPP  = 204

	rtcpHeaderSize  = 8  // common header + sender/reporter SSRC
	reportBlockSize = 24 // one report block (RFC 3550 §6.4.1)
	srBodySize      = 20 // NTP(8) + RTP ts(4) + packet count(4) + octet count(4)

	maxReportBlocks   = 31      // 5-bit RC field
	maxCumulativeLost = 1<<24 - 1 // 24-bit field
)

// ReportBlock is one reception report block inside an SR or RR.
type ReportBlock struct {
	SSRC             uint32
	FractionLost     uint8
	CumulativeLost   uint32 // 24-bit unsigned on the wire
	ExtendedHighSeq  uint32
	Jitter           uint32
	LastSR           uint32
	DelaySinceLastSR uint32
}

// SenderReport is an RTCP SR. In this scope an SR carries no reception
// report blocks (RC=0), so it serializes to exactly 28 bytes.
type SenderReport struct {
	SSRC        uint32
	NTPTime     uint64
	RTPTime     uint32
	PacketCount uint32
	OctetCount  uint32
}

// ReceiverReport is an RTCP RR with zero or more report blocks.
type ReceiverReport struct {
	SSRC    uint32
	Reports []ReportBlock
}

// marshalRTCPHeader packs the 4-byte common header followed by the SSRC.
func marshalRTCPHeader(buf []byte, rc uint8, packetType uint8, length uint16, ssrc uint32) {
	buf[0] = rtpVersion<<6 | rc
	buf[1] = packetType
	binary.BigEndian.PutUint16(buf[2:4], length)
	binary.BigEndian.PutUint32(buf[4:8], ssrc)
}

// Marshal serializes the sender report to its fixed 28-byte form.
func (sr *SenderReport) Marshal() ([]byte, error) {
	buf := make([]byte, rtcpHeaderSize+srBodySize)

	// length is in 32-bit words minus one
	marshalRTCPHeader(buf, 0, rtcpTypeSR, uint16(len(buf)/4-1), sr.SSRC)

	binary.BigEndian.PutUint64(buf[8:16], sr.NTPTime)
	binary.BigEndian.PutUint32(buf[16:20], sr.RTPTime)
	binary.BigEndian.PutUint32(buf[20:24], sr.PacketCount)
	binary.BigEndian.PutUint32(buf[24:28], sr.OctetCount)

	return buf, nil
}

// Marshal serializes the receiver report to 8 + 24*rc bytes.
func (rr *ReceiverReport) Marshal() ([]byte, error) {
	if len(rr.Reports) > maxReportBlocks {
		return nil, fmt.Errorf("%w: %d report blocks exceeds 31", ErrInvalidPacket, len(rr.Reports))
	}

	buf := make([]byte, rtcpHeaderSize+reportBlockSize*len(rr.Reports))
	marshalRTCPHeader(buf, uint8(len(rr.Reports)), rtcpTypeRR, uint16(len(buf)/4-1), rr.SSRC)

	off := rtcpHeaderSize
	for i := range rr.Reports {
		if err := rr.Reports[i].marshal(buf[off : off+reportBlockSize]); err != nil {
			return nil, err
		}
		off += reportBlockSize
	}

	return buf, nil
}

func (b *ReportBlock) marshal(buf []byte) error {
	if b.CumulativeLost > maxCumulativeLost {
		return fmt.Errorf("%w: cumulative lost %d exceeds 24 bits", ErrInvalidPacket, b.CumulativeLost)
	}

	binary.BigEndian.PutUint32(buf[0:4], b.SSRC)
	buf[4] = b.FractionLost
	buf[5] = byte(b.CumulativeLost >> 16)
	buf[6] = byte(b.CumulativeLost >> 8)
	buf[7] = byte(b.CumulativeLost)
	binary.BigEndian.PutUint32(buf[8:12], b.ExtendedHighSeq)
	binary.BigEndian.PutUint32(buf[12:16], b.Jitter)
	binary.BigEndian.PutUint32(buf[16:20], b.LastSR)
	binary.BigEndian.PutUint32(buf[20:24], b.DelaySinceLastSR)

	return nil
}

func (b *ReportBlock) unmarshal(buf []byte) {
	b.SSRC = binary.BigEndian.Uint32(buf[0:4])
	b.FractionLost = buf[4]
	b.CumulativeLost = uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	b.ExtendedHighSeq = binary.BigEndian.Uint32(buf[8:12])
	b.Jitter = binary.BigEndian.Uint32(buf[12:16])
	b.LastSR = binary.BigEndian.Uint32(buf[16:20])
	b.DelaySinceLastSR = binary.BigEndian.Uint32(buf[20:24])
}

// UnmarshalRTCP parses an RTCP datagram and returns a *SenderReport or
// *ReceiverReport. Datagrams shorter than the common header fail with
// ErrInvalidPacket; SDES, BYE and APP fail with ErrNotImplemented.
func UnmarshalRTCP(b []byte) (interface{}, error) {
	if len(b) < rtcpHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidPacket, len(b), rtcpHeaderSize)
	}

	version := b[0] >> 6
	if version != rtpVersion {
		return nil, fmt.Errorf("%w: RTCP version %d", ErrInvalidPacket, version)
	}

	switch packetType := b[1]; packetType {
	case rtcpTypeSR:
		return unmarshalSR(b)
	case rtcpTypeRR:
		return unmarshalRR(b)
	case rtcpTypeSDES, rtcpTypeBYE, rtcpTypeAPP:
		return nil, fmt.Errorf("%w: RTCP type %d", ErrNotImplemented, packetType)
	default:
		return nil, fmt.Errorf("%w: unknown RTCP type %d", ErrInvalidPacket, packetType)
	}
}

func unmarshalSR(b []byte) (*SenderReport, error) {
	if len(b) < rtcpHeaderSize+srBodySize {
		return nil, fmt.Errorf("%w: %d bytes, SR needs %d", ErrInvalidPacket, len(b), rtcpHeaderSize+srBodySize)
	}

	return &SenderReport{
		SSRC:        binary.BigEndian.Uint32(b[4:8]),
		NTPTime:     binary.BigEndian.Uint64(b[8:16]),
		RTPTime:     binary.BigEndian.Uint32(b[16:20]),
		PacketCount: binary.BigEndian.Uint32(b[20:24]),
		OctetCount:  binary.BigEndian.Uint32(b[24:28]),
	}, nil
}

func unmarshalRR(b []byte) (*ReceiverReport, error) {
	// The block count comes from the 5-bit RC field, not the datagram
	// length; a declared count past the available bytes is an error.
	rc := int(b[0] & 0x1F)
	need := rtcpHeaderSize + reportBlockSize*rc
	if len(b) < need {
		return nil, fmt.Errorf("%w: %d bytes, RR declares %d blocks needing %d",
			ErrInvalidPacket, len(b), rc, need)
	}

	rr := &ReceiverReport{
		SSRC:    binary.BigEndian.Uint32(b[4:8]),
		Reports: make([]ReportBlock, rc),
	}

	off := rtcpHeaderSize
	for i := 0; i < rc; i++ {
		rr.Reports[i].unmarshal(b[off : off+reportBlockSize])
		off += reportBlockSize
	}

	return rr, nil
}

// IsRTCP reports whether a datagram looks like RTCP rather than RTP,
// based on the packet-type byte falling in the RTCP range (RFC 5761).
func IsRTCP(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	pt := b[1]
	return pt >= 200 && pt <= 209
}
